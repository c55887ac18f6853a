package store

import (
	"testing"
	"time"

	"solarchat/pkg/chat/types"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func msg(id string, minute int) types.Message {
	return types.Message{ID: id, Text: "m" + id, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func ids(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMerge_HistoryThenLive(t *testing.T) {
	history := []types.Message{msg("1", 1), msg("2", 3)}
	live := []types.Message{msg("2", 3), msg("3", 2)}

	merged := Merge(Merge(nil, history), live)

	assert.Equal(t, []string{"1", "3", "2"}, ids(merged))
}

func TestMerge_IncomingWins(t *testing.T) {
	existing := []types.Message{msg("1", 1), msg("2", 2)}
	updated := msg("1", 1)
	updated.Text = "edited"

	merged := Merge(existing, []types.Message{updated})

	assert.Equal(t, []string{"1", "2"}, ids(merged))
	assert.Equal(t, "edited", merged[0].Text)
}

func TestMerge_Idempotent(t *testing.T) {
	a := []types.Message{msg("1", 5), msg("2", 1), msg("3", 3)}
	b := []types.Message{msg("4", 2), msg("2", 1), msg("5", 5)}

	once := Merge(a, b)
	twice := Merge(once, b)

	assert.Equal(t, once, twice)
}

func TestMerge_StableForEqualTimestamps(t *testing.T) {
	merged := Merge(
		[]types.Message{msg("b", 1), msg("a", 1)},
		[]types.Message{msg("c", 1)},
	)
	assert.Equal(t, []string{"b", "a", "c"}, ids(merged))
}

func TestMerge_ZeroTimeSortsFirst(t *testing.T) {
	undated := types.Message{ID: "x"}
	merged := Merge([]types.Message{msg("1", 1)}, []types.Message{undated})
	assert.Equal(t, []string{"x", "1"}, ids(merged))
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	existing := []types.Message{msg("2", 2), msg("1", 1)}
	incoming := []types.Message{msg("3", 0)}

	_ = Merge(existing, incoming)

	assert.Equal(t, []string{"2", "1"}, ids(existing))
	assert.Equal(t, []string{"3"}, ids(incoming))
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
}
