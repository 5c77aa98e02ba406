package ledger

import (
	"hash/fnv"
	"strconv"
)

// Fingerprint returns a fast, deterministic, order-sensitive digest of text.
// It is a cache key, not a security primitive: a collision only causes an
// unnecessary cache hit, never a correctness violation.
func Fingerprint(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// ContextFingerprint hashes an optional job-context string. A nil context is
// indistinguishable from an empty one.
func ContextFingerprint(jobContext *string) string {
	if jobContext == nil {
		return Fingerprint("")
	}
	return Fingerprint(*jobContext)
}
