package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "solarchat/internal/errors"
	"solarchat/internal/metrics"
	"solarchat/internal/privacy"
	"solarchat/internal/retry"
	"solarchat/internal/tracing"
	"solarchat/pkg/chat/stream"
	"solarchat/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Handler receives relevant live events on the consumer's reader goroutine.
// Implementations must not call Open or Close from a handler.
type Handler interface {
	HandleMessage(msg types.Message)
	HandleReply(reply Reply)
	HandleTyping(peer string, status types.TypingStatus)
}

// Options configures the consumer
type Options struct {
	Reconnect   bool
	Backoff     retry.BackoffConfig
	DialTimeout time.Duration
	Verbose     bool
}

// Consumer keeps one live subscription open for the current viewer and routes
// relevant events to its handler
type Consumer struct {
	dialer  stream.Dialer
	handler Handler
	opts    Options
	logger  *apperrors.Logger

	mu      sync.Mutex
	viewer  string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	selMu     sync.RWMutex
	selection Selection

	connected atomic.Bool
}

func NewConsumer(dialer stream.Dialer, handler Handler, opts Options, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Consumer{
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		logger:  apperrors.NewLogger(logger),
	}
}

// Open subscribes for viewer. Opening again for the same viewer is a no-op;
// a different viewer closes the previous subscription first. When reconnect
// is enabled a failed first dial is retried in the background.
func (c *Consumer) Open(ctx context.Context, viewer string) error {
	if viewer == "" {
		return apperrors.NewValidationError("viewer", viewer, "viewer identity is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.viewer == viewer {
		return nil
	}
	if c.running {
		c.stopLocked()
	}

	c.selMu.Lock()
	if c.selection.Viewer != viewer {
		c.selection = Selection{Viewer: viewer}
	}
	c.selMu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s, err := c.dial(runCtx, viewer)
	if err != nil && !c.opts.Reconnect {
		cancel()
		return err
	}
	if err != nil {
		c.logger.LogWarn(err, "Live channel unavailable, retrying in background", c.fields(viewer))
	}

	c.viewer = viewer
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.run(runCtx, viewer, s)

	return nil
}

// SetSelection replaces the relevance filter. Events already in flight are
// checked against the selection current at the time they are read.
func (c *Consumer) SetSelection(viewer string, peers []string) {
	c.selMu.Lock()
	defer c.selMu.Unlock()
	c.selection = Selection{Viewer: viewer, Peers: append([]string(nil), peers...)}
}

// Selection returns the current relevance filter
func (c *Consumer) Selection() Selection {
	c.selMu.RLock()
	defer c.selMu.RUnlock()
	return Selection{Viewer: c.selection.Viewer, Peers: append([]string(nil), c.selection.Peers...)}
}

// Close stops the subscription and waits for the reader goroutine
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// IsRunning reports whether a subscription is active or being re-established
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// IsConnected reports whether the live channel is currently open
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

func (c *Consumer) stopLocked() {
	if !c.running {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	c.viewer = ""
	c.logger.Debug("Live channel closed")
}

func (c *Consumer) dial(ctx context.Context, viewer string) (stream.Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	dialCtx, span := tracing.StartSpan(dialCtx, "live.dial")
	defer span.End()

	s, err := c.dialer.Dial(dialCtx, viewer)
	if err != nil {
		appErr := apperrors.NewTransportError(apperrors.ErrCodeLiveChannel, "live", err)
		tracing.RecordError(dialCtx, appErr)
		return nil, appErr
	}
	return s, nil
}

// run reads until the context ends, redialing with backoff when enabled
func (c *Consumer) run(ctx context.Context, viewer string, s stream.Stream) {
	defer c.wg.Done()

	backoff := retry.NewBackoff(c.opts.Backoff)
	attempt := 0

	for {
		if s != nil {
			c.connected.Store(true)
			metrics.SetGauge(metrics.LiveConnected, 1, nil, "Live channel state")
			c.logger.WithFields(c.fields(viewer)).Info("Live channel connected")

			err := c.readLoop(ctx, viewer, s)
			_ = s.Close()
			s = nil

			c.connected.Store(false)
			metrics.SetGauge(metrics.LiveConnected, 0, nil, "Live channel state")

			if ctx.Err() != nil {
				return
			}
			if !c.opts.Reconnect {
				c.logger.LogWarn(err, "Live channel closed", c.fields(viewer))
				return
			}
			c.logger.LogWarn(err, "Live channel dropped, reconnecting", c.fields(viewer))
			attempt = 0
		}

		attempt++
		if err := backoff.Wait(ctx, attempt); err != nil {
			return
		}

		metrics.IncrementCounter(metrics.LiveReconnects, nil, "Live channel reconnect attempts")
		next, err := c.dial(ctx, viewer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.LogWarn(err, "Live channel reconnect failed", logrus.Fields{"attempt": attempt})
			continue
		}
		s = next
	}
}

func (c *Consumer) readLoop(ctx context.Context, viewer string, s stream.Stream) error {
	for {
		payload, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(payload)
	}
}

func (c *Consumer) dispatch(payload []byte) {
	var ev types.LiveEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		metrics.IncrementCounter(metrics.LiveEventsDropped, map[string]string{"reason": "malformed"}, "Dropped live events")
		c.logger.LogWarn(apperrors.NewMalformedPayloadError("live", err), "Skipping unparseable live frame",
			logrus.Fields{"size": len(payload)})
		return
	}

	sel := c.Selection()
	event, ok := Classify(ev, sel)
	if !ok {
		metrics.IncrementCounter(metrics.LiveEventsDropped, map[string]string{"reason": "irrelevant"}, "Dropped live events")
		return
	}
	metrics.IncrementCounter(metrics.LiveEventsReceived, map[string]string{"type": event.Kind.String()}, "Relevant live events")

	switch event.Kind {
	case KindMessage:
		c.logger.WithFields(privacy.MaskFields(logrus.Fields{
			"message_id": event.Message.ID,
			"sender":     event.Message.SenderID,
		}, c.opts.Verbose)).Debug("Live message received")
		c.handler.HandleMessage(event.Message)
	case KindReply:
		c.handler.HandleReply(event.Reply)
	case KindTyping:
		c.handler.HandleTyping(event.PeerID, event.Status)
	}
}

func (c *Consumer) fields(viewer string) logrus.Fields {
	return privacy.MaskFields(logrus.Fields{"viewer": viewer}, c.opts.Verbose)
}
