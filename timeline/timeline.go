package timeline

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
)

// Timeline is the displayed message sequence. Deleted ids are remembered so
// a poll that raced the delete cannot bring the message back.
type Timeline struct {
	logger *slog.Logger

	mu        sync.Mutex
	messages  []model.ChatMessage
	tombstone map[int64]struct{}

	// notifyMu is taken before mu is released and held through fan-out, so
	// observers see snapshots in the order the changes were made.
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	nextObsID int
	observers map[int]func([]model.ChatMessage)
}

func New(log *slog.Logger) *Timeline {
	return &Timeline{
		logger:    logger.OrDefault(log).With(slog.String("component", "timeline")),
		tombstone: make(map[int64]struct{}),
		observers: make(map[int]func([]model.ChatMessage)),
	}
}

// Apply merges one message. It reports whether the sequence changed.
func (t *Timeline) Apply(m model.ChatMessage) bool {
	return t.ApplyAll([]model.ChatMessage{m})
}

// ApplyAll merges a batch. It reports whether the sequence changed.
func (t *Timeline) ApplyAll(batch []model.ChatMessage) bool {
	t.mu.Lock()
	fresh := make([]model.ChatMessage, 0, len(batch))
	for _, m := range batch {
		if _, deleted := t.tombstone[m.ID]; deleted {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		t.mu.Unlock()
		return false
	}

	before := len(t.messages)
	if len(fresh) == 1 {
		t.messages = Merge(t.messages, fresh[0])
	} else {
		t.messages = MergeAll(t.messages, fresh)
	}
	if len(t.messages) == before {
		t.mu.Unlock()
		return false
	}
	t.publishLocked()
	return true
}

// Remove drops a message and tombstones its id.
func (t *Timeline) Remove(id int64) bool {
	t.mu.Lock()
	t.tombstone[id] = struct{}{}
	before := len(t.messages)
	t.messages = RemoveByID(t.messages, id)
	if len(t.messages) == before {
		t.mu.Unlock()
		return false
	}
	t.logger.Debug("message removed", slog.Int64("id", id))
	t.publishLocked()
	return true
}

// Reset empties the timeline and forgets tombstones, e.g. on logout.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.tombstone = make(map[int64]struct{})
	t.publishLocked()
}

// Snapshot returns a copy of the current sequence.
func (t *Timeline) Snapshot() []model.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// OnChange registers fn to receive every new snapshot. Callbacks run one at
// a time in change order and must not modify the timeline. The returned
// func unregisters it.
func (t *Timeline) OnChange(fn func([]model.ChatMessage)) func() {
	t.obsMu.Lock()
	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

// publishLocked snapshots the sequence, releases mu and notifies observers.
// Must be called with t.mu held.
func (t *Timeline) publishLocked() {
	snap := slices.Clone(t.messages)
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()
	t.notify(snap)
}

func (t *Timeline) notify(snap []model.ChatMessage) {
	t.obsMu.Lock()
	fns := make([]func([]model.ChatMessage), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.obsMu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(snap))
	}
}
