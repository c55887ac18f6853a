package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"solarchat/internal/attachment"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/eventbus"
	"solarchat/internal/service"
	"solarchat/internal/session"
	"solarchat/internal/store"
	"solarchat/pkg/chat/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConversation struct {
	mock.Mock
}

func (m *mockConversation) Compose(text string) {
	m.Called(text)
}

func (m *mockConversation) Send(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *mockConversation) StageFile(path string) (*attachment.PendingAttachment, error) {
	args := m.Called(path)
	if v := args.Get(0); v != nil {
		return v.(*attachment.PendingAttachment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockConversation) RemoveFile() {
	m.Called()
}

func (m *mockConversation) OnPeerChange(ctx context.Context, peers []string) error {
	return m.Called(ctx, peers).Error(0)
}

func (m *mockConversation) Selection() (service.Identity, []string) {
	args := m.Called()
	return args.Get(0).(service.Identity), args.Get(1).([]string)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{line: "hello there", want: command{kind: cmdSend, arg: "hello there"}},
		{line: "", want: command{kind: cmdSend, arg: ""}},
		{line: "/file ./quote.pdf", want: command{kind: cmdFile, arg: "./quote.pdf"}},
		{line: "  /remove", want: command{kind: cmdRemove}},
		{line: "/peer p1, p2", want: command{kind: cmdPeer, arg: "p1, p2"}},
		{line: "/quit", want: command{kind: cmdQuit}},
		{line: "/shrug", want: command{kind: cmdUnknown, arg: "/shrug"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.line))
		})
	}
}

func TestConsole_Run(t *testing.T) {
	conv := &mockConversation{}
	conv.On("StageFile", "quote.pdf").Return(&attachment.PendingAttachment{Name: "quote.pdf", ContentType: "application/pdf", Size: 12}, nil)
	conv.On("Compose", "see quote").Return()
	conv.On("Send", mock.Anything, "see quote").Return(nil)
	conv.On("OnPeerChange", mock.Anything, []string{"p2", "p3", "p2"}).Return(nil)
	conv.On("Selection").Return(service.Identity{ID: "me"}, []string{"p2", "p3"})
	conv.On("RemoveFile").Return()

	input := strings.Join([]string{
		"/file quote.pdf",
		"see quote",
		"/peer p2, p3, p2",
		"/remove",
		"/quit",
		"never read",
	}, "\n")

	var out bytes.Buffer
	var saved []string
	c := newConsole(conv, strings.NewReader(input), &out, nil)
	c.onPeers = func(peers []string) { saved = peers }

	require.NoError(t, c.Run(context.Background()))

	conv.AssertExpectations(t)
	conv.AssertNotCalled(t, "Send", mock.Anything, "never read")
	assert.Equal(t, []string{"p2", "p3"}, saved)
	assert.Contains(t, out.String(), "staged quote.pdf (application/pdf, 12 B)")
	assert.Contains(t, out.String(), "talking to p2, p3")
}

func TestConsole_ReportsErrors(t *testing.T) {
	conv := &mockConversation{}
	conv.On("Compose", "").Return()
	conv.On("Send", mock.Anything, "").Return(apperrors.NewValidationError("text", "", "message is empty"))
	conv.On("StageFile", "missing.bin").Return(nil, apperrors.NewValidationError("file", "missing.bin", "no such file"))

	var out bytes.Buffer
	c := newConsole(conv, strings.NewReader("\n/file missing.bin\n/file\n/bogus\n"), &out, nil)
	require.NoError(t, c.Run(context.Background()))

	assert.Contains(t, out.String(), "! Invalid text: message is empty")
	assert.Contains(t, out.String(), "! Invalid file: no such file")
	assert.Contains(t, out.String(), "usage: /file <path>")
	assert.Contains(t, out.String(), "unknown command /bogus")
}

func TestRenderer_PrintsNewMessagesOnce(t *testing.T) {
	bus := eventbus.New(nil)
	var out bytes.Buffer
	r := newRenderer(&out, "me")
	r.attach(bus)

	first := types.Message{ID: "1", SenderID: "p1", SenderName: "Pat", Text: "hallo", TranslatedText: "hello"}
	mine := types.Message{ID: "2", SenderID: "me", Text: "hi Pat"}

	bus.Publish(eventbus.TopicStoreUpdated, store.Update{Generation: 1, Messages: []types.Message{first}})
	bus.Publish(eventbus.TopicStoreUpdated, store.Update{Generation: 1, Messages: []types.Message{first, mine}})
	bus.Publish(eventbus.TopicTypingChanged, types.TypingState{IsTyping: true, PeerLabel: "p1"})
	bus.Publish(eventbus.TopicNotificationAdded, types.ReplyNotification{ID: "n", Text: "Pat replied", ExpiresAt: time.Now()})

	assert.Equal(t, "Pat: hello\nyou: hi Pat\n... p1 is typing\n** Pat replied\n", out.String())
}

func TestMergeFlags(t *testing.T) {
	stored := session.State{ViewerID: "me", ViewerName: "Me", Peers: []string{"p1"}}

	assert.Equal(t, stored, mergeFlags(stored, "", "", ""))

	switched := mergeFlags(stored, "other", "", "p2, ,p3")
	assert.Equal(t, "other", switched.ViewerID)
	assert.Empty(t, switched.ViewerName)
	assert.Equal(t, []string{"p2", "p3"}, switched.Peers)

	renamed := mergeFlags(stored, "me", "Maya", "")
	assert.Equal(t, "Maya", renamed.ViewerName)
}
