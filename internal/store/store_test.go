package store

import (
	"sync"
	"testing"
	"time"

	"solarchat/internal/eventbus"
	"solarchat/pkg/chat/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ApplyHistoryAndLive(t *testing.T) {
	bus := eventbus.New(nil)
	var updates []Update
	bus.Subscribe(eventbus.TopicStoreUpdated, func(p interface{}) { updates = append(updates, p.(Update)) })

	s := New(Options{}, bus, nil)
	gen := s.Reset()

	require.True(t, s.ApplyHistory(gen, []types.Message{msg("1", 1), msg("2", 3)}))
	s.ApplyLive(msg("2", 3))
	s.ApplyLive(msg("3", 2))

	assert.Equal(t, []string{"1", "3", "2"}, ids(s.Messages()))
	assert.Equal(t, 3, s.Len())

	require.Len(t, updates, 4)
	last := updates[len(updates)-1]
	assert.Equal(t, gen, last.Generation)
	assert.Equal(t, []string{"1", "3", "2"}, ids(last.Messages))
}

func TestStore_StaleHistoryDiscarded(t *testing.T) {
	s := New(Options{}, nil, nil)

	first := s.Reset()
	second := s.Reset()
	assert.Greater(t, second, first)

	assert.False(t, s.ApplyHistory(first, []types.Message{msg("old", 1)}))
	assert.Zero(t, s.Len())

	assert.True(t, s.ApplyHistory(second, []types.Message{msg("new", 1)}))
	assert.Equal(t, []string{"new"}, ids(s.Messages()))
}

func TestStore_StaleLocalEchoDiscarded(t *testing.T) {
	s := New(Options{}, nil, nil)

	before := s.Reset()
	after := s.Reset()

	echo := types.Message{ID: "local-1", SenderID: "me", RecipientID: "p1", Text: "for p1", CreatedAt: base}
	assert.False(t, s.AddLocalEcho(before, echo))
	assert.Empty(t, s.Messages())

	assert.True(t, s.AddLocalEcho(after, echo))
	assert.Equal(t, []string{"local-1"}, ids(s.Messages()))
}

func TestStore_OvertakenSnapshotNotPublished(t *testing.T) {
	bus := eventbus.New(nil)
	var updates []Update
	bus.Subscribe(eventbus.TopicStoreUpdated, func(p interface{}) { updates = append(updates, p.(Update)) })

	s := New(Options{}, bus, nil)
	s.ApplyLive(msg("1", 1))

	// a live write snapshotted before the reset but published after it
	s.mu.Lock()
	s.mergeLocked([]types.Message{msg("2", 2)})
	late := s.snapshotLocked()
	s.mu.Unlock()

	gen := s.Reset()
	s.publish(late)

	last := updates[len(updates)-1]
	assert.Equal(t, gen, last.Generation)
	assert.Empty(t, last.Messages)
}

func TestStore_ResetClears(t *testing.T) {
	s := New(Options{}, nil, nil)
	s.ApplyLive(msg("1", 1))
	gen := s.Generation()

	assert.Equal(t, gen+1, s.Reset())
	assert.Empty(t, s.Messages())
}

func TestStore_MessagesReturnsCopy(t *testing.T) {
	s := New(Options{}, nil, nil)
	s.ApplyLive(msg("1", 1))

	out := s.Messages()
	out[0].Text = "mutated"

	assert.Equal(t, "m1", s.Messages()[0].Text)
}

func TestStore_LocalEchoKeptByDefault(t *testing.T) {
	s := New(Options{}, nil, nil)

	echo := types.Message{ID: "local-1", SenderID: "me", RecipientID: "p1", Text: "hi", CreatedAt: base}
	s.AddLocalEcho(s.Generation(), echo)

	pushed := echo
	pushed.ID = "server-9"
	pushed.CreatedAt = base.Add(time.Second)
	s.ApplyLive(pushed)

	assert.Equal(t, []string{"local-1", "server-9"}, ids(s.Messages()))
}

func TestStore_EchoSuppression(t *testing.T) {
	s := New(Options{EchoSuppression: 5 * time.Second}, nil, nil)
	now := base
	s.now = func() time.Time { return now }

	echo := types.Message{ID: "local-1", SenderID: "me", RecipientID: "p1", Text: "hi", CreatedAt: base}
	s.AddLocalEcho(s.Generation(), echo)

	t.Run("matching live copy replaces echo", func(t *testing.T) {
		now = base.Add(2 * time.Second)
		pushed := echo
		pushed.ID = "server-9"
		s.ApplyLive(pushed)
		assert.Equal(t, []string{"server-9"}, ids(s.Messages()))
	})

	t.Run("echo matches only once", func(t *testing.T) {
		again := echo
		again.ID = "server-10"
		s.ApplyLive(again)
		assert.Equal(t, []string{"server-9", "server-10"}, ids(s.Messages()))
	})

	t.Run("expired echo is kept", func(t *testing.T) {
		late := types.Message{ID: "local-2", SenderID: "me", RecipientID: "p1", Text: "later", CreatedAt: base.Add(time.Minute)}
		s.AddLocalEcho(s.Generation(), late)

		now = now.Add(10 * time.Second)
		pushed := late
		pushed.ID = "server-11"
		s.ApplyLive(pushed)
		assert.Contains(t, ids(s.Messages()), "local-2")
		assert.Contains(t, ids(s.Messages()), "server-11")
	})

	t.Run("different recipient is not an echo", func(t *testing.T) {
		other := types.Message{ID: "local-3", SenderID: "me", RecipientID: "p2", Text: "x", CreatedAt: base.Add(2 * time.Minute)}
		s.AddLocalEcho(s.Generation(), other)
		pushed := other
		pushed.ID = "server-12"
		pushed.RecipientID = "p1"
		s.ApplyLive(pushed)
		assert.Contains(t, ids(s.Messages()), "local-3")
	})
}

func TestStore_MaxMessagesKeepsNewest(t *testing.T) {
	s := New(Options{MaxMessages: 2}, nil, nil)
	gen := s.Reset()

	s.ApplyHistory(gen, []types.Message{msg("1", 1), msg("2", 2), msg("3", 3)})
	assert.Equal(t, []string{"2", "3"}, ids(s.Messages()))

	s.ApplyLive(msg("4", 4))
	assert.Equal(t, []string{"3", "4"}, ids(s.Messages()))
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New(Options{}, eventbus.New(nil), nil)
	gen := s.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := msg(string(rune('a'+i)), i)
			if i%2 == 0 {
				s.ApplyLive(m)
			} else {
				s.ApplyHistory(gen, []types.Message{m})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
	got := s.Messages()
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
}
