package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swimr-hq/swimr/internal/analysis"
	"github.com/swimr-hq/swimr/internal/staging"
	"github.com/swimr-hq/swimr/internal/storage"
)

// ErrRunActive is returned when a run is started while another is active.
var ErrRunActive = errors.New("a batch run is already active")

// ErrNoItems is returned when a run is started with no selected files.
var ErrNoItems = errors.New("no files selected for the run")

// ErrNoRun is returned by cancel/retry when there is nothing to act on.
var ErrNoRun = errors.New("no batch run")

// CandidateStore persists analysed candidates.
type CandidateStore interface {
	InsertCandidate(ctx context.Context, c *storage.Candidate) error
	UpsertCandidateByName(ctx context.Context, c *storage.Candidate) error
}

// Extractor turns staged binary content into text.
type Extractor interface {
	Extract(filename string, content []byte) (string, error)
}

// Notices surfaces transient user-facing messages.
type Notices interface {
	Info(title, message string)
	Success(title, message string)
	Error(title, message string)
}

// Coordinator drives one batch run at a time: each item moves through
// extraction and analysis strictly in list order, the whole aggregate is
// persisted after every transition, and progress is mirrored one-way onto
// the staging queue. Cancellation is cooperative; retry and resume re-enter
// the same driver.
//
// The driver is bound to the Run it started on. Once a run is cancelled and
// replaced, the old driver's in-flight call may still return, but its result
// is discarded: every mutation and persist targets the captured run, and a
// run that is no longer current is never written to the snapshot slot.
type Coordinator struct {
	log        *slog.Logger
	staging    *staging.Queue
	extractor  Extractor
	analyzer   analysis.Client
	candidates CandidateStore
	snapshots  *Snapshots
	notices    Notices

	mu      sync.Mutex
	run     *Run
	driving bool

	resumeOnce sync.Once
}

func NewCoordinator(
	logger *slog.Logger,
	stagingQueue *staging.Queue,
	extractor Extractor,
	analyzer analysis.Client,
	candidates CandidateStore,
	snapshots *Snapshots,
	notices Notices,
) *Coordinator {
	return &Coordinator{
		log:        logger,
		staging:    stagingQueue,
		extractor:  extractor,
		analyzer:   analyzer,
		candidates: candidates,
		snapshots:  snapshots,
		notices:    notices,
	}
}

// Run returns a deep copy of the current run, or nil.
func (c *Coordinator) Run() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.clone()
}

// StartRun builds one item per staged file id and begins sequential
// processing. It refuses to start while another run is active and refuses an
// empty selection; neither refusal mutates any state.
func (c *Coordinator) StartRun(ctx context.Context, stagedFileIDs []string, roleID, roleName, jobContext *string) (*Run, error) {
	c.mu.Lock()
	if c.run != nil && c.run.Active {
		c.mu.Unlock()
		c.notices.Error("Batch analysis", "A batch run is already in progress")
		return nil, ErrRunActive
	}
	if len(stagedFileIDs) == 0 {
		c.mu.Unlock()
		c.notices.Error("Batch analysis", "Select at least one file to analyse")
		return nil, ErrNoItems
	}

	items := make([]*Item, 0, len(stagedFileIDs))
	for _, fid := range stagedFileIDs {
		item := &Item{
			ID:           uuid.NewString(),
			StagedFileID: fid,
			FileName:     fid,
			Status:       ItemPending,
		}
		if f, ok := c.staging.Get(fid); ok {
			item.FileName = f.Name
			// Already-extracted files skip straight to analysis.
			item.CVText = f.CVText
		}
		items = append(items, item)
	}
	run := &Run{
		ID:         uuid.NewString(),
		RoleID:     roleID,
		RoleName:   roleName,
		JobContext: jobContext,
		Items:      items,
		Active:     true,
		StartedAt:  time.Now().UTC(),
	}
	c.run = run
	snapshot := run.clone()
	c.mu.Unlock()

	c.persist(ctx, run)
	c.log.Info("batch run started", "run_id", run.ID, "items", len(items))
	go c.processQueue(context.Background())
	return snapshot, nil
}

// CancelRun requests cooperative cancellation and marks the run inactive
// immediately. The in-flight remote call, if any, is allowed to finish; its
// result is discarded by the driver.
func (c *Coordinator) CancelRun(ctx context.Context) error {
	c.mu.Lock()
	if c.run == nil || !c.run.Active {
		c.mu.Unlock()
		return ErrNoRun
	}
	run := c.run
	run.Cancelled = true
	run.Active = false
	c.mu.Unlock()

	c.persist(ctx, run)
	c.notices.Info("Batch analysis", "Run cancelled; unprocessed files stay pending")
	c.log.Info("batch run cancelled")
	return nil
}

// RetryFailed resets every failed item to pending, reactivates the run and
// restarts the driver. Other items are untouched.
func (c *Coordinator) RetryFailed(ctx context.Context) error {
	c.mu.Lock()
	if c.run == nil {
		c.mu.Unlock()
		return ErrNoRun
	}
	run := c.run
	retried := 0
	for _, it := range run.Items {
		if it.Status == ItemFailed {
			it.Status = ItemPending
			it.Error = nil
			retried++
		}
	}
	run.Active = true
	run.Cancelled = false
	c.mu.Unlock()

	c.persist(ctx, run)
	c.log.Info("retrying failed items", "count", retried)
	go c.processQueue(context.Background())
	return nil
}

// Resume reloads a persisted active run after a process restart, normalizes
// items a previous process left mid-flight back to pending, and restarts the
// driver. It runs at most once per process.
func (c *Coordinator) Resume(ctx context.Context) {
	c.resumeOnce.Do(func() {
		loaded, err := c.snapshots.Load(ctx)
		if err != nil {
			c.log.Error("load run snapshot", "err", err)
			return
		}
		if loaded == nil {
			return
		}

		c.mu.Lock()
		c.run = loaded
		if !loaded.Active {
			c.mu.Unlock()
			return
		}
		if loaded.allTerminal() {
			// The previous process died after the last item transition but
			// before the finishing persist; the run slot must not stay held.
			loaded.Active = false
			c.mu.Unlock()
			c.persist(ctx, loaded)
			c.log.Info("closed finished batch run left active by a previous process", "run_id", loaded.ID)
			return
		}
		normalized := 0
		for _, it := range loaded.Items {
			if it.Status == ItemExtracting || it.Status == ItemAnalysing {
				it.Status = ItemPending
				normalized++
			}
		}
		c.mu.Unlock()

		c.persist(ctx, loaded)
		c.log.Info("resuming interrupted batch run", "run_id", loaded.ID, "normalized", normalized)
		go c.processQueue(context.Background())
	})
}

// processQueue is the sequential driver. A single in-process guard keeps at
// most one driver loop alive no matter how many callers race into it; a
// caller whose launch was swallowed by a still-running driver is covered by
// the exit check, which relaunches the driver whenever the current run still
// has work.
func (c *Coordinator) processQueue(ctx context.Context) {
	c.mu.Lock()
	if c.driving || c.run == nil {
		c.mu.Unlock()
		return
	}
	c.driving = true
	run := c.run
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.driving = false
		next := c.run
		pending := next != nil && next.Active && !next.Cancelled && !next.allTerminal()
		c.mu.Unlock()
		if pending {
			go c.processQueue(ctx)
		}
	}()

	for i := 0; i < len(run.Items); i++ {
		item, ok := c.itemAt(run, i)
		if !ok || item.Status.Terminal() {
			continue
		}

		if item.CVText == nil {
			if !c.extractItem(ctx, run, i) {
				continue
			}
			item, _ = c.itemAt(run, i)
		}

		// Cancellation is checked before starting expensive work; items left
		// behind keep their current status for a later resume or retry.
		if c.abandoned(run) {
			break
		}

		c.setItemStatus(ctx, run, i, ItemAnalysing, nil)
		c.mirror(item.StagedFileID, staging.StatusAnalysing)

		res, err := c.analyzer.Analyze(context.Background(), *item.CVText, run.JobContext)
		if c.abandoned(run) {
			// A result arriving after cancellation is dropped, never applied
			// to a run that has moved on.
			c.log.Debug("discarding analysis result after cancellation", "item", item.ID)
			break
		}
		if err != nil {
			c.failItem(ctx, run, i, err.Error())
			continue
		}

		candidateID, err := c.persistCandidate(ctx, run, item, res)
		if err != nil {
			c.failItem(ctx, run, i, "save candidate: "+err.Error())
			continue
		}
		c.completeItem(ctx, run, i, candidateID)
		c.mirror(item.StagedFileID, staging.StatusDone)
		score := 0.0
		if res.Score != nil {
			score = res.Score.Overall
		}
		c.notices.Success("Analysis complete", fmt.Sprintf("%s scored %.0f", item.FileName, score))
	}

	c.finishRun(ctx, run)
}

// extractItem runs the extraction step for one item. It returns false when
// the item failed and the driver should move on.
func (c *Coordinator) extractItem(ctx context.Context, run *Run, idx int) bool {
	item, _ := c.itemAt(run, idx)
	c.setItemStatus(ctx, run, idx, ItemExtracting, nil)

	content := c.staging.Content(item.StagedFileID)
	if content == nil {
		// Raw binaries are not durable; after a restart the file must be
		// re-added by the user.
		c.failItem(ctx, run, idx, "File data unavailable; re-add the file to analyse it")
		return false
	}

	text, err := c.extractor.Extract(item.FileName, content)
	if err != nil {
		c.failItem(ctx, run, idx, err.Error())
		return false
	}

	c.mu.Lock()
	it := run.Items[idx]
	it.CVText = &text
	it.Status = ItemPending
	c.mu.Unlock()
	c.persist(ctx, run)
	// Cache the text on the staging queue so a later run skips extraction.
	c.staging.Update(item.StagedFileID, staging.Patch{CVText: &text})
	return true
}

func (c *Coordinator) persistCandidate(ctx context.Context, run *Run, item *Item, res *analysis.Result) (string, error) {
	name := strings.TrimSpace(res.CandidateName)
	if name == "" {
		name = strings.TrimSuffix(item.FileName, filepath.Ext(item.FileName))
	}
	score := 0.0
	recommendation := "maybe"
	if res.Score != nil {
		score = res.Score.Overall
		if res.Score.Recommendation != "" {
			recommendation = res.Score.Recommendation
		}
	}

	cand := &storage.Candidate{
		ID:             uuid.NewString(),
		Name:           name,
		Score:          score,
		Recommendation: recommendation,
		CVText:         *item.CVText,
		Analysis:       res.Raw,
		RoleID:         run.RoleID,
	}
	err := c.candidates.UpsertCandidateByName(ctx, cand)
	if errors.Is(err, storage.ErrUpsertUnsupported) {
		err = c.candidates.InsertCandidate(ctx, cand)
	}
	if err != nil {
		return "", err
	}
	return cand.ID, nil
}

func (c *Coordinator) finishRun(ctx context.Context, run *Run) {
	c.mu.Lock()
	cancelled := run.Cancelled
	done := run.allTerminal()
	if cancelled || done {
		run.Active = false
	}
	completed, failed := run.counts()
	c.mu.Unlock()

	c.persist(ctx, run)
	if done && !cancelled {
		c.notices.Info("Batch analysis finished", fmt.Sprintf("%d completed, %d failed", completed, failed))
		c.log.Info("batch run finished", "completed", completed, "failed", failed)
	}
}

func (c *Coordinator) itemAt(run *Run, idx int) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx >= len(run.Items) {
		return nil, false
	}
	cp := *run.Items[idx]
	return &cp, true
}

// abandoned reports whether the driver bound to run must stop: the run was
// cancelled, or a new run has replaced it.
func (c *Coordinator) abandoned(run *Run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return run.Cancelled || c.run != run
}

func (c *Coordinator) setItemStatus(ctx context.Context, run *Run, idx int, status ItemStatus, errMsg *string) {
	c.mu.Lock()
	it := run.Items[idx]
	it.Status = status
	it.Error = errMsg
	c.mu.Unlock()
	c.persist(ctx, run)
}

func (c *Coordinator) failItem(ctx context.Context, run *Run, idx int, msg string) {
	c.setItemStatus(ctx, run, idx, ItemFailed, &msg)
	item, _ := c.itemAt(run, idx)
	c.mirror(item.StagedFileID, staging.StatusFailed)
	c.log.Warn("batch item failed", "file", item.FileName, "err", msg)
}

func (c *Coordinator) completeItem(ctx context.Context, run *Run, idx int, candidateID string) {
	c.mu.Lock()
	it := run.Items[idx]
	it.Status = ItemCompleted
	it.CandidateID = &candidateID
	it.Error = nil
	c.mu.Unlock()
	c.persist(ctx, run)
}

// mirror pushes run progress onto the staging queue, one-directional by
// design so the queue never feeds state back into the run.
func (c *Coordinator) mirror(stagedFileID string, status staging.Status) {
	c.staging.Update(stagedFileID, staging.Patch{Status: &status})
}

// persist overwrites the durable snapshot with the whole aggregate after
// every transition. A run that is no longer the current one is not written:
// a stale driver must never clobber its successor's snapshot.
func (c *Coordinator) persist(ctx context.Context, run *Run) {
	c.mu.Lock()
	var snapshot *Run
	if run != nil && run == c.run {
		snapshot = run.clone()
	}
	c.mu.Unlock()
	if snapshot == nil {
		return
	}
	if err := c.snapshots.Save(ctx, snapshot); err != nil {
		c.log.Error("persist run snapshot", "err", err)
	}
}
