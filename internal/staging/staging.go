package staging

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a staged file.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusPending   Status = "pending"
	StatusAnalysing Status = "analysing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// File is one staged upload. The raw binary content is owned exclusively by
// the queue and never persisted, so it is lost on process restart.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	CVText     *string   `json:"-"`

	content []byte
}

// Patch carries optional field updates for a staged file.
type Patch struct {
	Status   *Status
	Progress *int
	CVText   *string
}

// Simulation tunes the simulated upload phase.
type Simulation struct {
	TickMin time.Duration
	TickMax time.Duration
	StepMin int
	StepMax int
}

// DefaultSimulation mirrors a believable browser upload: 10-35 progress
// points every 300-700ms.
func DefaultSimulation() Simulation {
	return Simulation{
		TickMin: 300 * time.Millisecond,
		TickMax: 700 * time.Millisecond,
		StepMin: 10,
		StepMax: 35,
	}
}

// Queue holds user-added files prior to any analysis run, newest first.
type Queue struct {
	log *slog.Logger
	sim Simulation

	mu    sync.Mutex
	files []*File
}

// NewQueue creates an empty staging queue.
func NewQueue(logger *slog.Logger, sim Simulation) *Queue {
	if sim.TickMax < sim.TickMin || sim.StepMax < sim.StepMin || sim.StepMin <= 0 {
		sim = DefaultSimulation()
	}
	return &Queue{log: logger, sim: sim}
}

// Upload is the input to Add: a file name plus its raw content.
type Upload struct {
	Name    string
	Content []byte
}

// Add stages the given uploads with status "uploading" and progress 0,
// prepending them so the newest files come first. Each file's upload
// simulation runs independently and does not block the caller.
func (q *Queue) Add(uploads []Upload) []File {
	if len(uploads) == 0 {
		return nil
	}
	q.mu.Lock()
	added := make([]File, 0, len(uploads))
	for _, u := range uploads {
		f := &File{
			ID:         uuid.NewString(),
			Name:       u.Name,
			Size:       int64(len(u.Content)),
			UploadedAt: time.Now().UTC(),
			Status:     StatusUploading,
			Progress:   0,
			content:    u.Content,
		}
		q.files = append([]*File{f}, q.files...)
		added = append(added, *f)
	}
	q.mu.Unlock()

	for i := range added {
		q.log.Debug("file staged", "file_id", added[i].ID, "name", added[i].Name, "size", added[i].Size)
		go q.simulateUpload(added[i].ID)
	}
	return added
}

// simulateUpload advances a file's progress until it reaches 100, at which
// point progress is pinned to exactly 100 and the status flips to pending in
// the same critical section. The goroutine quietly exits if the file was
// removed or its status changed in the meantime.
func (q *Queue) simulateUpload(id string) {
	for {
		tick := q.sim.TickMin
		if span := q.sim.TickMax - q.sim.TickMin; span > 0 {
			tick += time.Duration(rand.Int63n(int64(span))) // #nosec G404 - simulation jitter, not security
		}
		time.Sleep(tick)

		q.mu.Lock()
		f := q.locate(id)
		if f == nil || f.Status != StatusUploading {
			q.mu.Unlock()
			return
		}
		step := q.sim.StepMin + rand.Intn(q.sim.StepMax-q.sim.StepMin+1) // #nosec G404
		next := f.Progress + step
		if next >= 100 {
			f.Progress = 100
			f.Status = StatusPending
			q.mu.Unlock()
			return
		}
		f.Progress = next
		q.mu.Unlock()
	}
}

// Remove drops every staged file whose id is in ids, regardless of status.
func (q *Queue) Remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.files[:0]
	for _, f := range q.files {
		if _, ok := drop[f.ID]; !ok {
			kept = append(kept, f)
		}
	}
	q.files = kept
}

// Update merge-patches a single staged file. It reports whether the file was found.
func (q *Queue) Update(id string, p Patch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	f := q.locate(id)
	if f == nil {
		return false
	}
	if p.Status != nil {
		f.Status = *p.Status
	}
	if p.Progress != nil {
		f.Progress = *p.Progress
	}
	if p.CVText != nil {
		f.CVText = p.CVText
	}
	return true
}

// Pending returns the staged files with status pending, preserving list order.
func (q *Queue) Pending() []File {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]File, 0, len(q.files))
	for _, f := range q.files {
		if f.Status == StatusPending {
			out = append(out, snapshot(f))
		}
	}
	return out
}

// List returns a snapshot of every staged file, newest first.
func (q *Queue) List() []File {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]File, 0, len(q.files))
	for _, f := range q.files {
		out = append(out, snapshot(f))
	}
	return out
}

// Get returns a snapshot of one staged file.
func (q *Queue) Get(id string) (File, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f := q.locate(id); f != nil {
		return snapshot(f), true
	}
	return File{}, false
}

// Content returns the raw binary for a staged file, or nil when the file is
// gone or its content was never held by this process.
func (q *Queue) Content(id string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f := q.locate(id); f != nil {
		return f.content
	}
	return nil
}

// locate must be called with q.mu held.
func (q *Queue) locate(id string) *File {
	for _, f := range q.files {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// snapshot copies a file without exposing the owned binary content.
func snapshot(f *File) File {
	c := *f
	c.content = nil
	return c
}
