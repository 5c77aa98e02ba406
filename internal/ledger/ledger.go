package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/swimr-hq/swimr/internal/analysis"
	"github.com/swimr-hq/swimr/internal/storage"
	"github.com/swimr-hq/swimr/internal/tasks"
)

const jobsTable = "analysis_jobs"

// JobStore is the slice of the row store the ledger needs.
type JobStore interface {
	InsertAnalysisJob(ctx context.Context, j *storage.AnalysisJob) error
	FindAnalysisJob(ctx context.Context, key storage.JobKey) (*storage.AnalysisJob, error)
	GetAnalysisJob(ctx context.Context, id string) (*storage.AnalysisJob, error)
	UpdateAnalysisJobStatus(ctx context.Context, id string, status storage.JobStatus, result []byte, errMsg *string) error
	DeleteAnalysisJobs(ctx context.Context, key storage.JobKey) error
}

// Ledger deduplicates analysis work: one useful (processing or completed)
// job per (candidate, role, cv fingerprint, context fingerprint) tuple.
// It is constructed once per process and shared by reference.
//
// Note: Find followed by Start is not atomic against the store; two
// near-simultaneous callers can both create a job for the same tuple. The
// contention window is accepted as a known limitation.
type Ledger struct {
	log      *slog.Logger
	store    JobStore
	client   analysis.Client
	runner   *tasks.Runner
	notifier Subscriber

	mu    sync.Mutex
	fired map[string]struct{}
	subs  map[string]*jobSub
}

type jobSub struct {
	nextID    int
	callbacks map[int]func(*storage.AnalysisJob)
	unsubRow  func()
}

// Subscriber delivers row-update events for analysis jobs.
type Subscriber interface {
	Subscribe(table, rowID string, typ storage.EventType, fn func(storage.RowEvent)) func()
}

// New creates the ledger. Remote calls are detached onto runner so their
// lifetime is the process, never a request or view.
func New(logger *slog.Logger, store JobStore, client analysis.Client, runner *tasks.Runner, sub Subscriber) *Ledger {
	return &Ledger{
		log:      logger,
		store:    store,
		client:   client,
		runner:   runner,
		fired:    make(map[string]struct{}),
		subs:     make(map[string]*jobSub),
		notifier: sub,
	}
}

// Key builds the logical dedup tuple for the given inputs.
func Key(candidateID string, roleID *string, cvText string, jobContext *string) storage.JobKey {
	return storage.JobKey{
		CandidateID: candidateID,
		RoleID:      roleID,
		CVHash:      Fingerprint(cvText),
		ContextHash: ContextFingerprint(jobContext),
	}
}

// FindExisting returns the most recent processing or completed job for the
// tuple, or nil when none exists.
func (l *Ledger) FindExisting(ctx context.Context, candidateID string, roleID *string, cvText string, jobContext *string) (*storage.AnalysisJob, error) {
	job, err := l.store.FindAnalysisJob(ctx, Key(candidateID, roleID, cvText, jobContext))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find analysis job: %w", err)
	}
	return job, nil
}

// Start records a new processing job for the tuple and detaches the remote
// call onto the task runner. It returns the ledger entry immediately, before
// the remote call completes.
func (l *Ledger) Start(ctx context.Context, candidateID string, roleID *string, cvText string, jobContext *string) (*storage.AnalysisJob, error) {
	key := Key(candidateID, roleID, cvText, jobContext)
	job := &storage.AnalysisJob{
		ID:          uuid.NewString(),
		CandidateID: candidateID,
		RoleID:      roleID,
		CVHash:      key.CVHash,
		ContextHash: key.ContextHash,
		JobContext:  jobContext,
		Status:      storage.JobProcessing,
	}
	if err := l.store.InsertAnalysisJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record analysis job: %w", err)
	}
	l.fire(job.ID, cvText, jobContext)
	return job, nil
}

// fire triggers the detached remote call at most once per job id for the
// process lifetime, even if invoked again for the same id.
func (l *Ledger) fire(jobID string, cvText string, jobContext *string) {
	l.mu.Lock()
	if _, done := l.fired[jobID]; done {
		l.mu.Unlock()
		return
	}
	l.fired[jobID] = struct{}{}
	l.mu.Unlock()

	err := l.runner.Submit(tasks.Task{
		Name: "analyze-cv " + jobID,
		Run: func(ctx context.Context) error {
			return l.runRemote(ctx, jobID, cvText, jobContext)
		},
	})
	if err != nil {
		// Detached call never reaches the Start caller; record the failure on
		// the ledger entry instead.
		l.log.Error("detach analysis call", "job_id", jobID, "err", err)
		msg := "analysis could not be scheduled: " + err.Error()
		_ = l.store.UpdateAnalysisJobStatus(context.Background(), jobID, storage.JobFailed, nil, &msg)
	}
}

func (l *Ledger) runRemote(ctx context.Context, jobID string, cvText string, jobContext *string) error {
	res, err := l.client.Analyze(ctx, cvText, jobContext)
	if err != nil {
		msg := err.Error()
		if uerr := l.store.UpdateAnalysisJobStatus(ctx, jobID, storage.JobFailed, nil, &msg); uerr != nil {
			l.log.Error("mark analysis job failed", "job_id", jobID, "err", uerr)
		}
		return fmt.Errorf("remote analysis: %w", err)
	}
	if uerr := l.store.UpdateAnalysisJobStatus(ctx, jobID, storage.JobCompleted, res.Raw, nil); uerr != nil {
		return fmt.Errorf("mark analysis job completed: %w", uerr)
	}
	return nil
}

// Invalidate deletes ledger entries for the tuple, forcing a fresh analysis
// next time.
func (l *Ledger) Invalidate(ctx context.Context, candidateID string, roleID *string, cvText string, jobContext *string) error {
	return l.store.DeleteAnalysisJobs(ctx, Key(candidateID, roleID, cvText, jobContext))
}

// Poll is the one-shot fetch fallback when push notification is unavailable.
func (l *Ledger) Poll(ctx context.Context, jobID string) (*storage.AnalysisJob, error) {
	return l.store.GetAnalysisJob(ctx, jobID)
}

// Subscribe registers interest in one job's terminal transition. When the
// entry reaches completed or failed every callback runs once with the updated
// record and the subscription tears itself down. The returned func removes
// only the given callback, dropping the underlying row subscription when no
// callbacks remain.
func (l *Ledger) Subscribe(jobID string, fn func(*storage.AnalysisJob)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := l.subs[jobID]
	if sub == nil {
		sub = &jobSub{callbacks: make(map[int]func(*storage.AnalysisJob))}
		sub.unsubRow = l.notifier.Subscribe(jobsTable, jobID, storage.EventUpdate, func(ev storage.RowEvent) {
			l.onRowEvent(jobID, ev)
		})
		l.subs[jobID] = sub
	}
	sub.nextID++
	id := sub.nextID
	sub.callbacks[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			cur := l.subs[jobID]
			if cur == nil {
				return
			}
			delete(cur.callbacks, id)
			if len(cur.callbacks) == 0 {
				cur.unsubRow()
				delete(l.subs, jobID)
			}
		})
	}
}

func (l *Ledger) onRowEvent(jobID string, ev storage.RowEvent) {
	job, ok := ev.Row.(*storage.AnalysisJob)
	if !ok || !job.Status.Terminal() {
		return
	}
	l.mu.Lock()
	sub := l.subs[jobID]
	if sub == nil {
		l.mu.Unlock()
		return
	}
	callbacks := make([]func(*storage.AnalysisJob), 0, len(sub.callbacks))
	for _, fn := range sub.callbacks {
		callbacks = append(callbacks, fn)
	}
	sub.unsubRow()
	delete(l.subs, jobID)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(job)
	}
}
