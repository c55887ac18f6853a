package typing

import (
	"sync"
	"time"

	"solarchat/internal/eventbus"
	"solarchat/pkg/chat/types"
)

// Presence tracks whether the selected peer is typing. A start signal holds
// for the expiry window unless renewed; a stop signal from the peer shown
// clears it at once.
type Presence struct {
	mu     sync.Mutex
	state  types.TypingState
	expiry time.Duration
	timer  *time.Timer
	seq    uint64
	bus    *eventbus.Bus
}

func NewPresence(expiry time.Duration, bus *eventbus.Bus) *Presence {
	if expiry <= 0 {
		expiry = time.Second
	}
	return &Presence{expiry: expiry, bus: bus}
}

// Apply records a typing signal from a peer
func (p *Presence) Apply(label string, status types.TypingStatus) {
	p.mu.Lock()
	var changed bool
	switch status {
	case types.TypingStart:
		next := types.TypingState{IsTyping: true, PeerLabel: label}
		changed = next != p.state
		p.state = next
		p.armLocked()
	case types.TypingStop:
		if p.state.IsTyping && p.state.PeerLabel == label {
			changed = p.clearLocked()
		}
	}
	state := p.state
	p.mu.Unlock()

	if changed {
		p.publish(state)
	}
}

// Clear drops the current state, e.g. on a peer switch
func (p *Presence) Clear() {
	p.mu.Lock()
	changed := p.clearLocked()
	state := p.state
	p.mu.Unlock()

	if changed {
		p.publish(state)
	}
}

// State returns the current presence
func (p *Presence) State() types.TypingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Presence) armLocked() {
	p.seq++
	if p.timer != nil {
		p.timer.Stop()
	}
	seq := p.seq
	p.timer = time.AfterFunc(p.expiry, func() {
		p.mu.Lock()
		if seq != p.seq {
			p.mu.Unlock()
			return
		}
		changed := p.clearLocked()
		state := p.state
		p.mu.Unlock()

		if changed {
			p.publish(state)
		}
	})
}

func (p *Presence) clearLocked() bool {
	p.seq++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.state == (types.TypingState{}) {
		return false
	}
	p.state = types.TypingState{}
	return true
}

func (p *Presence) publish(state types.TypingState) {
	if p.bus != nil {
		p.bus.Publish(eventbus.TopicTypingChanged, state)
	}
}
