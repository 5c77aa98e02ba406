package storage

import "sync"

// EventType classifies row change notifications.
type EventType string

const (
	EventUpdate EventType = "UPDATE"
)

// RowEvent is delivered to subscribers after a row changed. Row holds the
// post-change record (e.g. *AnalysisJob for the analysis_jobs table).
type RowEvent struct {
	Table string
	RowID string
	Type  EventType
	Row   any
}

type subKey struct {
	table string
	rowID string
	typ   EventType
}

// Notifier fans row change events out to subscribers keyed by table, row id
// and event type. It is the in-process stand-in for a hosted realtime channel.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[subKey]map[int]func(RowEvent)
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[subKey]map[int]func(RowEvent))}
}

// Subscribe registers a callback for changes to one row. The returned func
// removes the subscription; calling it more than once is safe.
func (n *Notifier) Subscribe(table, rowID string, typ EventType, fn func(RowEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := subKey{table: table, rowID: rowID, typ: typ}
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]func(RowEvent))
	}
	n.nextID++
	id := n.nextID
	n.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if m := n.subs[key]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(n.subs, key)
				}
			}
		})
	}
}

// Publish delivers the event to every matching subscriber. Callbacks run on
// the publisher's goroutine, outside the notifier lock.
func (n *Notifier) Publish(ev RowEvent) {
	key := subKey{table: ev.Table, rowID: ev.RowID, typ: ev.Type}
	n.mu.Lock()
	fns := make([]func(RowEvent), 0, len(n.subs[key]))
	for _, fn := range n.subs[key] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
