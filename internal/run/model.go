package run

import "time"

// ItemStatus is the lifecycle state of one batch work item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemExtracting ItemStatus = "extracting"
	ItemAnalysing  ItemStatus = "analysing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether the item needs no further processing.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// Item is one unit of work in a batch run. It references the staged file by
// id but copies the display name, so it survives the file being removed.
type Item struct {
	ID           string     `json:"id"`
	StagedFileID string     `json:"staged_file_id"`
	FileName     string     `json:"file_name"`
	CVText       *string    `json:"cv_text,omitempty"`
	Status       ItemStatus `json:"status"`
	Error        *string    `json:"error,omitempty"`
	CandidateID  *string    `json:"candidate_id,omitempty"`
}

// Run is one batch submission: an ordered list of items processed strictly
// one at a time. At most one run is active at any moment.
type Run struct {
	ID         string    `json:"id"`
	RoleID     *string   `json:"role_id,omitempty"`
	RoleName   *string   `json:"role_name,omitempty"`
	JobContext *string   `json:"job_context,omitempty"`
	Items      []*Item   `json:"items"`
	Active     bool      `json:"active"`
	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
}

// counts tallies terminal items.
func (r *Run) counts() (completed, failed int) {
	for _, it := range r.Items {
		switch it.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		}
	}
	return completed, failed
}

// allTerminal reports whether every item reached completed or failed.
func (r *Run) allTerminal() bool {
	for _, it := range r.Items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// clone deep-copies the run for observers.
func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Items = make([]*Item, len(r.Items))
	for i, it := range r.Items {
		itemCopy := *it
		cp.Items[i] = &itemCopy
	}
	return &cp
}
