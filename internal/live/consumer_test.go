package live

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"solarchat/internal/retry"
	"solarchat/pkg/chat/stream"
	"solarchat/pkg/chat/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, stream.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	viewers []string
	fail    int
}

func (d *fakeDialer) Dial(_ context.Context, viewer string) (stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.viewers = append(d.viewers, viewer)
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.viewers)
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []types.Message
	replies  []Reply
	typing   []types.TypingStatus
}

func (h *recordingHandler) HandleMessage(msg types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleReply(reply Reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = append(h.replies, reply)
}

func (h *recordingHandler) HandleTyping(_ string, status types.TypingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = append(h.typing, status)
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages), len(h.replies), len(h.typing)
}

func fastOptions(reconnect bool) Options {
	return Options{
		Reconnect: reconnect,
		Backoff: retry.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
		DialTimeout: time.Second,
	}
}

func TestConsumer_RoutesRelevantEvents(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	c := NewConsumer(dialer, handler, fastOptions(false), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()
	c.SetSelection("me", []string{"p1"})

	s := dialer.stream(0)
	s.frames <- []byte(`{"id":"1","senderId":"p1","recipientId":"me","text":"hi"}`)
	s.frames <- []byte(`{"id":"2","senderId":"p2","recipientId":"me","text":"not for us"}`)
	s.frames <- []byte(`not json at all`)
	s.frames <- []byte(`{"type":"replied","target":"me","replierId":"p5","replierName":"Pat"}`)
	s.frames <- []byte(`{"type":"typing","senderId":"p1","status":"start"}`)

	assert.Eventually(t, func() bool {
		m, r, ty := handler.counts()
		return m == 1 && r == 1 && ty == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestConsumer_DeliversMessageWithWrongTypedField(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	c := NewConsumer(dialer, handler, fastOptions(false), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()
	c.SetSelection("me", []string{"p1"})

	dialer.stream(0).frames <- []byte(`{"id":"1","senderId":"p1","recipientId":"me","senderName":42,"text":"hi"}`)

	assert.Eventually(t, func() bool { m, _, _ := handler.counts(); return m == 1 }, time.Second, 5*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.messages[0].SenderName)
	assert.Equal(t, "hi", handler.messages[0].Text)
}

func TestConsumer_SelectionAppliesToLaterEvents(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	c := NewConsumer(dialer, handler, fastOptions(false), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()
	c.SetSelection("me", []string{"p1"})

	s := dialer.stream(0)
	s.frames <- []byte(`{"id":"1","senderId":"p1","recipientId":"me"}`)
	assert.Eventually(t, func() bool { m, _, _ := handler.counts(); return m == 1 }, time.Second, 5*time.Millisecond)

	c.SetSelection("me", []string{"p2"})
	s.frames <- []byte(`{"id":"2","senderId":"p1","recipientId":"me"}`)
	s.frames <- []byte(`{"id":"3","senderId":"p2","recipientId":"me"}`)

	assert.Eventually(t, func() bool { m, _, _ := handler.counts(); return m == 2 }, time.Second, 5*time.Millisecond)
	handler.mu.Lock()
	assert.Equal(t, "3", handler.messages[1].ID)
	handler.mu.Unlock()
}

func TestConsumer_OpenIsIdempotentPerViewer(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewConsumer(dialer, &recordingHandler{}, fastOptions(false), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	require.NoError(t, c.Open(context.Background(), "me"))
	assert.Equal(t, 1, dialer.dials())

	require.NoError(t, c.Open(context.Background(), "someone-else"))
	assert.Equal(t, 2, dialer.dials())
	assert.Equal(t, "someone-else", c.Selection().Viewer)

	select {
	case <-dialer.stream(0).done:
	default:
		t.Fatal("previous subscription was not closed")
	}

	c.Close()
	assert.False(t, c.IsRunning())
	c.Close()
}

func TestConsumer_OpenRequiresViewer(t *testing.T) {
	c := NewConsumer(&fakeDialer{}, &recordingHandler{}, fastOptions(false), nil)
	assert.Error(t, c.Open(context.Background(), ""))
}

func TestConsumer_DialFailureWithoutReconnect(t *testing.T) {
	dialer := &fakeDialer{fail: 1}
	c := NewConsumer(dialer, &recordingHandler{}, fastOptions(false), nil)

	assert.Error(t, c.Open(context.Background(), "me"))
	assert.False(t, c.IsRunning())
}

func TestConsumer_StaysClosedWithoutReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewConsumer(dialer, &recordingHandler{}, fastOptions(false), nil)
	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()

	dialer.stream(0).errs <- io.EOF

	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
}

func TestConsumer_ReconnectsAndKeepsSelection(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	c := NewConsumer(dialer, handler, fastOptions(true), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()
	c.SetSelection("me", []string{"p1"})

	dialer.mu.Lock()
	dialer.fail = 2
	dialer.mu.Unlock()
	dialer.stream(0).errs <- errors.New("connection reset")

	assert.Eventually(t, func() bool { return dialer.stream(1) != nil }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dialer.dials(), 4)

	dialer.stream(1).frames <- []byte(`{"id":"1","senderId":"p1","recipientId":"me"}`)
	assert.Eventually(t, func() bool { m, _, _ := handler.counts(); return m == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

func TestConsumer_InitialDialRetriedInBackground(t *testing.T) {
	dialer := &fakeDialer{fail: 1}
	c := NewConsumer(dialer, &recordingHandler{}, fastOptions(true), nil)

	require.NoError(t, c.Open(context.Background(), "me"))
	defer c.Close()

	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dialer.dials())
}

func TestConsumer_CloseStopsReconnectLoop(t *testing.T) {
	dialer := &fakeDialer{fail: 1000}
	c := NewConsumer(dialer, &recordingHandler{}, fastOptions(true), nil)

	require.NoError(t, c.Open(context.Background(), "me"))

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, c.IsRunning())
}
