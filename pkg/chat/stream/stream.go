// Package stream provides the server-push transports for the live channel.
// http(s) URLs are read as Server-Sent Events, ws(s) URLs as a WebSocket.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"solarchat/internal/constants"
)

// ErrClosed is returned by Next after the stream was closed locally
var ErrClosed = errors.New("stream closed")

// Stream yields one raw JSON payload per call
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a live subscription for one viewer. The context bounds the
// dial only; the returned stream lives until Close.
type Dialer interface {
	Dial(ctx context.Context, viewer string) (Stream, error)
}

// Options tunes the transports
type Options struct {
	AuthToken     string
	HTTPClient    *http.Client
	MaxFrameBytes int64
}

// NewDialer picks the transport from the URL scheme
func NewDialer(streamURL string, opts Options) (Dialer, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = constants.DefaultMaxFrameBytes
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return newSSEDialer(u, opts), nil
	case "ws", "wss":
		return newWebSocketDialer(u, opts), nil
	default:
		return nil, fmt.Errorf("unsupported stream URL scheme %q", u.Scheme)
	}
}

// subscriptionURL adds the viewer query parameter to the base stream URL
func subscriptionURL(base *url.URL, viewer string) string {
	u := *base
	query := u.Query()
	query.Set("viewer", viewer)
	u.RawQuery = query.Encode()
	return u.String()
}

func authHeader(token string) http.Header {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}
