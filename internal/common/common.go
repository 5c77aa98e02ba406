package common

import "strings"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz    = "/healthz"
	PathFiles      = "/v1/files"
	PathRuns       = "/v1/runs"
	PathAnalyses   = "/v1/analyses"
	PathJobs       = "/v1/jobs"
	PathNotices    = "/v1/notices"
	PathRoles      = "/v1/roles"
	PathCandidates = "/v1/candidates"
)

// Defaults and limits
const (
	DefaultTaskCapacity  = 64
	DefaultTaskWorkers   = 2
	DefaultNoticeBuffer  = 200
	SQLiteBusyTimeoutMS  = 5000
	MinExtractedTextLen  = 50
	DefaultRetryAttempts = 3
)

// Storage driver names
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported CV upload extensions
const (
	ExtPDF  = ".pdf"
	ExtDOCX = ".docx"
	ExtDOC  = ".doc"
	ExtRTF  = ".rtf"
	ExtODT  = ".odt"
	ExtTXT  = ".txt"
)

// IsSupportedCVExt reports whether ext (with leading dot, any case) is a
// file type the extraction step can handle.
func IsSupportedCVExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ExtPDF, ExtDOCX, ExtDOC, ExtRTF, ExtODT, ExtTXT:
		return true
	}
	return false
}
