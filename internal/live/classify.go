package live

import (
	"slices"

	"solarchat/pkg/chat/types"
)

// EventKind tells which handler a relevant event goes to
type EventKind int

const (
	KindMessage EventKind = iota + 1
	KindReply
	KindTyping
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return types.EventTypeMessage
	case KindReply:
		return types.EventTypeReplied
	case KindTyping:
		return types.EventTypeTyping
	default:
		return "unknown"
	}
}

// Selection is the viewer and the peers whose events are relevant
type Selection struct {
	Viewer string
	Peers  []string
}

func (s Selection) hasPeer(id string) bool {
	return id != "" && slices.Contains(s.Peers, id)
}

// Reply identifies who answered the viewer
type Reply struct {
	ReplierID   string
	ReplierName string
}

// Event is a live payload that passed the relevance filter
type Event struct {
	Kind    EventKind
	Message types.Message
	Reply   Reply
	PeerID  string
	Status  types.TypingStatus
}

// Classify decides whether a decoded live payload matters to the selection.
// Chat messages must travel between the viewer and a selected peer, reply
// notices must target the viewer and typing signals must come from a selected
// peer with a start or stop status. Everything else is dropped.
func Classify(ev types.LiveEvent, sel Selection) (Event, bool) {
	if sel.Viewer == "" {
		return Event{}, false
	}

	switch ev.Type {
	case "", types.EventTypeMessage:
		sender := ev.SenderID.String()
		recipient := ev.RecipientID.String()
		incoming := recipient == sel.Viewer && sel.hasPeer(sender)
		outgoing := sender == sel.Viewer && sel.hasPeer(recipient)
		if !incoming && !outgoing {
			return Event{}, false
		}
		return Event{Kind: KindMessage, Message: ev.Normalize(sel.Viewer)}, true

	case types.EventTypeReplied:
		if ev.Target.String() != sel.Viewer {
			return Event{}, false
		}
		return Event{
			Kind: KindReply,
			Reply: Reply{
				ReplierID:   ev.ReplierID.String(),
				ReplierName: ev.ReplierName.String(),
			},
		}, true

	case types.EventTypeTyping:
		sender := ev.SenderID.String()
		if !sel.hasPeer(sender) || !ev.Status.Valid() {
			return Event{}, false
		}
		return Event{Kind: KindTyping, PeerID: sender, Status: ev.Status}, true

	default:
		return Event{}, false
	}
}
