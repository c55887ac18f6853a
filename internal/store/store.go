package store

import (
	"slices"
	"sync"
	"time"

	"solarchat/internal/eventbus"
	"solarchat/internal/metrics"
	"solarchat/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Options tunes the store. Zero values keep every message and never suppress
// a live copy of an optimistic echo unless the ids match.
type Options struct {
	EchoSuppression time.Duration
	MaxMessages     int
}

// Update is the payload published on eventbus.TopicStoreUpdated
type Update struct {
	Generation uint64
	Messages   []types.Message
}

type pendingEcho struct {
	msg types.Message
	at  time.Time
}

type snapshot struct {
	seq    uint64
	update Update
}

// Store owns the merged message sequence of the active conversation.
// Updates reach the bus in the order the writes happened; a snapshot
// overtaken by a newer one is not published. Bus handlers must not write
// to the store.
type Store struct {
	mu         sync.Mutex
	generation uint64
	seq        uint64
	messages   []types.Message
	echoes     []pendingEcho

	pubMu     sync.Mutex
	published uint64

	opts   Options
	bus    *eventbus.Bus
	logger *logrus.Logger
	now    func() time.Time
}

func New(opts Options, bus *eventbus.Bus, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Store{
		opts:   opts,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Reset clears the conversation and starts a new generation. History loaded
// for an older generation is discarded by ApplyHistory.
func (s *Store) Reset() uint64 {
	s.mu.Lock()
	s.generation++
	s.messages = nil
	s.echoes = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return snap.update.Generation
}

// Generation returns the current generation
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ApplyHistory merges a history batch when gen is still current and reports
// whether it was applied
func (s *Store) ApplyHistory(gen uint64, msgs []types.Message) bool {
	s.mu.Lock()
	if gen != s.generation {
		current := s.generation
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"generation": gen,
			"current":    current,
			"count":      len(msgs),
		}).Debug("Discarding stale history")
		return false
	}
	s.mergeLocked(msgs)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return true
}

// ApplyLive merges one message delivered by the live channel
func (s *Store) ApplyLive(msg types.Message) {
	s.mu.Lock()
	if echoID, ok := s.matchEchoLocked(msg); ok && echoID != msg.ID {
		s.messages = slices.DeleteFunc(s.messages, func(m types.Message) bool { return m.ID == echoID })
		s.logger.WithField("echo_id", echoID).Debug("Live copy replaced optimistic echo")
	}
	s.mergeLocked([]types.Message{msg})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// AddLocalEcho merges optimistic copies of messages the viewer just sent when
// gen is still current and reports whether they were added
func (s *Store) AddLocalEcho(gen uint64, msgs ...types.Message) bool {
	if len(msgs) == 0 {
		return false
	}

	s.mu.Lock()
	if gen != s.generation {
		current := s.generation
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"generation": gen,
			"current":    current,
			"count":      len(msgs),
		}).Debug("Discarding stale local echo")
		return false
	}
	if s.opts.EchoSuppression > 0 {
		now := s.now()
		for _, msg := range msgs {
			s.echoes = append(s.echoes, pendingEcho{msg: msg, at: now})
		}
	}
	s.mergeLocked(msgs)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return true
}

// Messages returns a copy of the current sequence
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

// Len returns the number of messages held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) mergeLocked(msgs []types.Message) {
	s.messages = Merge(s.messages, msgs)
	if s.opts.MaxMessages > 0 && len(s.messages) > s.opts.MaxMessages {
		s.messages = append([]types.Message(nil), s.messages[len(s.messages)-s.opts.MaxMessages:]...)
	}
}

// matchEchoLocked finds a pending echo with the same sender, recipient and text
// registered within the suppression window. Expired echoes are dropped.
func (s *Store) matchEchoLocked(msg types.Message) (string, bool) {
	if s.opts.EchoSuppression <= 0 || len(s.echoes) == 0 {
		return "", false
	}

	cutoff := s.now().Add(-s.opts.EchoSuppression)
	kept := s.echoes[:0]
	matched := ""
	found := false
	for _, e := range s.echoes {
		if e.at.Before(cutoff) {
			continue
		}
		if !found &&
			e.msg.SenderID == msg.SenderID &&
			e.msg.RecipientID == msg.RecipientID &&
			e.msg.Text == msg.Text {
			matched = e.msg.ID
			found = true
			continue
		}
		kept = append(kept, e)
	}
	s.echoes = kept
	return matched, found
}

func (s *Store) snapshotLocked() snapshot {
	s.seq++
	return snapshot{
		seq: s.seq,
		update: Update{
			Generation: s.generation,
			Messages:   append([]types.Message(nil), s.messages...),
		},
	}
}

func (s *Store) publish(snap snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if snap.seq <= s.published {
		return
	}
	s.published = snap.seq

	metrics.SetGauge(metrics.StoreMessages, float64(len(snap.update.Messages)), nil, "Messages in the active conversation")
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicStoreUpdated, snap.update)
	}
}
