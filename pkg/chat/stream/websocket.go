package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

type webSocketDialer struct {
	base *url.URL
	opts Options
}

func newWebSocketDialer(base *url.URL, opts Options) *webSocketDialer {
	return &webSocketDialer{base: base, opts: opts}
}

func (d *webSocketDialer) Dial(ctx context.Context, viewer string) (Stream, error) {
	conn, resp, err := websocket.Dial(ctx, subscriptionURL(d.base, viewer), &websocket.DialOptions{
		HTTPClient: d.opts.HTTPClient,
		HTTPHeader: authHeader(d.opts.AuthToken),
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake rejected: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetReadLimit(d.opts.MaxFrameBytes)

	return &webSocketStream{conn: conn}, nil
}

type webSocketStream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Next returns the next text or binary frame
func (s *webSocketStream) Next(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("websocket closed by server (%d %s): %w", closeErr.Code, closeErr.Reason, err)
		}
		return nil, fmt.Errorf("websocket read failed: %w", err)
	}
	return data, nil
}

func (s *webSocketStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close(websocket.StatusNormalClosure, "client closing")
}
