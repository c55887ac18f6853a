package store

import (
	"slices"

	"solarchat/pkg/chat/types"
)

// Merge combines existing and incoming messages into one sequence keyed by id.
// An incoming record replaces an existing one with the same id while keeping its
// first-seen slot, and the result is stably sorted by CreatedAt. Merge does not
// modify its arguments and Merge(Merge(a, b), b) equals Merge(a, b).
func Merge(existing, incoming []types.Message) []types.Message {
	index := make(map[string]int, len(existing)+len(incoming))
	merged := make([]types.Message, 0, len(existing)+len(incoming))

	for _, batch := range [][]types.Message{existing, incoming} {
		for _, msg := range batch {
			if i, ok := index[msg.ID]; ok {
				merged[i] = msg
				continue
			}
			index[msg.ID] = len(merged)
			merged = append(merged, msg)
		}
	}

	slices.SortStableFunc(merged, func(a, b types.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return merged
}
