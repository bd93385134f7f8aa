// Package timeline merges chat messages from every source into one ordered,
// duplicate-free sequence. It never knows which transport a message came
// from.
package timeline

import (
	"slices"

	"github.com/puyokura/dashchat/model"
)

// Merge returns existing with incoming inserted in order. If incoming.ID is
// already present the result equals existing. existing must be sorted and
// is never modified.
func Merge(existing []model.ChatMessage, incoming model.ChatMessage) []model.ChatMessage {
	if indexOf(existing, incoming.ID) >= 0 {
		return slices.Clone(existing)
	}
	pos, _ := slices.BinarySearchFunc(existing, incoming, model.Compare)
	out := make([]model.ChatMessage, 0, len(existing)+1)
	out = append(out, existing[:pos]...)
	out = append(out, incoming)
	return append(out, existing[pos:]...)
}

// MergeAll folds a batch (a history page or poll result) into existing.
func MergeAll(existing []model.ChatMessage, incoming []model.ChatMessage) []model.ChatMessage {
	out := slices.Clone(existing)
	seen := make(map[int64]struct{}, len(out)+len(incoming))
	for _, m := range out {
		seen[m.ID] = struct{}{}
	}
	for _, m := range incoming {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	slices.SortStableFunc(out, model.Compare)
	return out
}

// RemoveByID returns existing without the message with the given id.
func RemoveByID(existing []model.ChatMessage, id int64) []model.ChatMessage {
	return slices.DeleteFunc(slices.Clone(existing), func(m model.ChatMessage) bool {
		return m.ID == id
	})
}

func indexOf(msgs []model.ChatMessage, id int64) int {
	return slices.IndexFunc(msgs, func(m model.ChatMessage) bool { return m.ID == id })
}
