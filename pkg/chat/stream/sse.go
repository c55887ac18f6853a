package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

type sseDialer struct {
	base *url.URL
	opts Options
}

func newSSEDialer(base *url.URL, opts Options) *sseDialer {
	if opts.HTTPClient == nil {
		// no client timeout: the response body is the stream
		opts.HTTPClient = &http.Client{}
	}
	return &sseDialer{base: base, opts: opts}
}

func (d *sseDialer) Dial(ctx context.Context, viewer string) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, subscriptionURL(d.base, viewer), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = authHeader(d.opts.AuthToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := d.opts.HTTPClient.Do(req)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("dial aborted: %w", context.Cause(ctx))
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream rejected: status %d, body: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	maxFrame := int(d.opts.MaxFrameBytes)
	scanner.Buffer(make([]byte, 0, min(4096, maxFrame)), maxFrame)

	return &sseStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// sseStream decodes "data:" fields terminated by a blank line. Lines that are
// not SSE fields but look like JSON are taken as newline-delimited frames.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	var data [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		switch {
		case len(line) == 0:
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			data = append(data, append([]byte(nil), value...))
		case line[0] == '{' || line[0] == '[':
			if len(data) == 0 {
				return append([]byte(nil), line...), nil
			}
		default:
			// event:, id:, retry: and unknown fields carry nothing we use
		}
	}

	if err := s.scanner.Err(); err != nil {
		if s.isClosed() {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("event stream read failed: %w", err)
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.body.Close()
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
