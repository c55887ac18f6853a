package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"solarchat/internal/attachment"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/eventbus"
	"solarchat/internal/service"
	"solarchat/internal/store"
	"solarchat/pkg/chat/types"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// conversation is the part of service.Conversation the console drives
type conversation interface {
	Compose(text string)
	Send(ctx context.Context, text string) error
	StageFile(path string) (*attachment.PendingAttachment, error)
	RemoveFile()
	OnPeerChange(ctx context.Context, peers []string) error
	Selection() (service.Identity, []string)
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdFile
	cmdRemove
	cmdPeer
	cmdQuit
	cmdUnknown
)

type command struct {
	kind commandKind
	arg  string
}

func parseCommand(line string) command {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: cmdSend, arg: line}
	}

	name, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/file":
		return command{kind: cmdFile, arg: arg}
	case "/remove":
		return command{kind: cmdRemove}
	case "/peer":
		return command{kind: cmdPeer, arg: arg}
	case "/quit":
		return command{kind: cmdQuit}
	default:
		return command{kind: cmdUnknown, arg: name}
	}
}

// console reads commands line by line and drives the conversation
type console struct {
	conv    conversation
	in      io.Reader
	out     io.Writer
	logger  *logrus.Logger
	onPeers func([]string)
}

func newConsole(conv conversation, in io.Reader, out io.Writer, logger *logrus.Logger) *console {
	return &console{conv: conv, in: in, out: out, logger: logger}
}

// Run returns when input ends, /quit is read or ctx is cancelled
func (c *console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if quit := c.handle(ctx, scanner.Text()); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (c *console) handle(ctx context.Context, line string) bool {
	cmd := parseCommand(line)
	switch cmd.kind {
	case cmdSend:
		c.conv.Compose(cmd.arg)
		if err := c.conv.Send(ctx, cmd.arg); err != nil {
			c.printf("! %s\n", apperrors.GetUserMessage(err))
		}
	case cmdFile:
		if cmd.arg == "" {
			c.printf("! usage: /file <path>\n")
			return false
		}
		pending, err := c.conv.StageFile(cmd.arg)
		if err != nil {
			c.printf("! %s\n", apperrors.GetUserMessage(err))
			return false
		}
		c.printf("+ staged %s (%s, %s)\n", pending.Name, pending.ContentType, humanize.Bytes(uint64(pending.Size)))
	case cmdRemove:
		c.conv.RemoveFile()
		c.printf("- attachment removed\n")
	case cmdPeer:
		if err := c.conv.OnPeerChange(ctx, splitPeers(cmd.arg)); err != nil {
			c.printf("! %s\n", apperrors.GetUserMessage(err))
			return false
		}
		_, peers := c.conv.Selection()
		if c.onPeers != nil {
			c.onPeers(peers)
		}
		c.printf("* talking to %s\n", strings.Join(peers, ", "))
	case cmdQuit:
		return true
	default:
		c.printf("! unknown command %s\n", cmd.arg)
	}
	return false
}

func (c *console) printf(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil && c.logger != nil {
		c.logger.WithError(err).Debug("Console write failed")
	}
}

// renderer prints bus events as they arrive
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	viewer string
	shown  map[string]struct{}
}

func newRenderer(out io.Writer, viewer string) *renderer {
	return &renderer{out: out, viewer: viewer, shown: make(map[string]struct{})}
}

func (r *renderer) attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicStoreUpdated, func(payload interface{}) {
		if update, ok := payload.(store.Update); ok {
			r.messages(update.Messages)
		}
	})
	bus.Subscribe(eventbus.TopicTypingChanged, func(payload interface{}) {
		if state, ok := payload.(types.TypingState); ok {
			r.typing(state)
		}
	})
	bus.Subscribe(eventbus.TopicNotificationAdded, func(payload interface{}) {
		if n, ok := payload.(types.ReplyNotification); ok {
			r.line("** %s\n", n.Text)
		}
	})
}

// messages prints records not printed before; a reset store starts over
func (r *renderer) messages(msgs []types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(msgs) == 0 {
		r.shown = make(map[string]struct{})
		return
	}
	for _, m := range msgs {
		if _, ok := r.shown[m.ID]; ok {
			continue
		}
		r.shown[m.ID] = struct{}{}
		fmt.Fprintln(r.out, formatMessage(m, r.viewer))
	}
}

func (r *renderer) typing(state types.TypingState) {
	if state.IsTyping {
		r.line("... %s is typing\n", state.PeerLabel)
	}
}

func (r *renderer) line(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func formatMessage(m types.Message, viewer string) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	if m.SenderID == viewer {
		who = "you"
	}

	var b strings.Builder
	if !m.CreatedAt.IsZero() {
		b.WriteString(m.CreatedAt.Local().Format("15:04 "))
	}
	b.WriteString(who)
	b.WriteString(": ")
	b.WriteString(m.DisplayText(viewer))
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [%s %s]", a.Name, a.URL)
	}
	return b.String()
}
