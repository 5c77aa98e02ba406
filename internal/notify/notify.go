// Package notify keeps a bounded in-memory feed of user-facing notices.
// Producers publish fire-and-forget; consumers poll with a sequence cursor.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notice struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
}

// Feed is a fixed-capacity notice buffer. Once full, the oldest notices are
// dropped; sequence numbers keep growing so pollers can detect the gap.
type Feed struct {
	log *slog.Logger

	mu      sync.Mutex
	seq     uint64
	notices []Notice
	cap     int
}

func NewFeed(logger *slog.Logger, capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	return &Feed{log: logger, cap: capacity}
}

func (f *Feed) Publish(level Level, title, message string) {
	f.mu.Lock()
	f.seq++
	n := Notice{
		Seq:     f.seq,
		Time:    time.Now().UTC(),
		Level:   level,
		Title:   title,
		Message: message,
	}
	f.notices = append(f.notices, n)
	if len(f.notices) > f.cap {
		f.notices = f.notices[len(f.notices)-f.cap:]
	}
	f.mu.Unlock()

	f.log.Debug("notice published", "level", level, "title", title)
}

func (f *Feed) Info(title, message string)    { f.Publish(LevelInfo, title, message) }
func (f *Feed) Success(title, message string) { f.Publish(LevelSuccess, title, message) }
func (f *Feed) Error(title, message string)   { f.Publish(LevelError, title, message) }

// Since returns all buffered notices with a sequence strictly greater than
// after, oldest first.
func (f *Feed) Since(after uint64) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.notices)
	for i, n := range f.notices {
		if n.Seq > after {
			idx = i
			break
		}
	}
	out := make([]Notice, len(f.notices)-idx)
	copy(out, f.notices[idx:])
	return out
}
