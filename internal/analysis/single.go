package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSuperseded marks a call that was deliberately cancelled because a newer
// one replaced it. It is not a user-facing failure.
var ErrSuperseded = errors.New("analysis superseded by a newer request")

// Analyser drives one ad-hoc analysis at a time. Issuing a new call aborts a
// still-in-flight previous call from the same instance; only the most recent
// call's result is ever applied. The call is otherwise detached from any
// caller lifetime.
type Analyser struct {
	log    *slog.Logger
	client Client

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	result *Result
}

func NewAnalyser(logger *slog.Logger, client Client) *Analyser {
	return &Analyser{log: logger, client: client}
}

// Analyse issues one analysis call for an already-extracted document. A
// superseded call returns ErrSuperseded and is never surfaced as a failure.
func (a *Analyser) Analyse(cvText string, jobContext *string) (*Result, error) {
	a.mu.Lock()
	if a.cancel != nil {
		a.log.Debug("superseding in-flight analysis")
		a.cancel()
	}
	// Parent is Background on purpose: navigating away must not kill an
	// otherwise-completable request, only a newer call does.
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	res, err := a.client.Analyze(ctx, cvText, jobContext)

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.seq {
		// A newer call took over while this one was in flight.
		return nil, ErrSuperseded
	}
	a.cancel = nil
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrSuperseded
		}
		return nil, err
	}
	a.result = res
	return res, nil
}

// Result returns the most recently applied analysis result, if any.
func (a *Analyser) Result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}
