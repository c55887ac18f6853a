package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"solarchat/internal/attachment"
	"solarchat/internal/constants"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/eventbus"
	"solarchat/internal/history"
	"solarchat/internal/live"
	"solarchat/internal/metrics"
	"solarchat/internal/models"
	"solarchat/internal/notify"
	"solarchat/internal/privacy"
	"solarchat/internal/retry"
	"solarchat/internal/store"
	"solarchat/internal/tracing"
	"solarchat/internal/typing"
	"solarchat/internal/validation"
	"solarchat/pkg/chat"
	"solarchat/pkg/chat/stream"
	"solarchat/pkg/chat/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const typingQueueSize = 64

// Identity is the signed-in user of the console
type Identity struct {
	ID   string
	Name string
}

type typingSignal struct {
	viewer string
	peers  []string
	status types.TypingStatus
}

// Conversation wires the sync components together for one viewer and the
// peers selected in the UI. Lifecycle calls (OnMount, OnPeerChange,
// OnUnmount) are serialized; compose and send may be called concurrently.
type Conversation struct {
	client   chat.Client
	bus      *eventbus.Bus
	logger   *apperrors.Logger
	verbose  bool
	notifyIn time.Duration

	store    *store.Store
	loader   *history.Loader
	consumer *live.Consumer
	notifier *typing.Notifier
	presence *typing.Presence
	stager   *attachment.Stager

	mu         sync.Mutex
	mounted    bool
	loadCancel context.CancelFunc
	loads      sync.WaitGroup
	typingWG   sync.WaitGroup

	stateMu  sync.RWMutex
	identity Identity
	peers    []string
	gen      uint64 // store generation the peers were selected in
	center   *notify.Center
	typingCh chan typingSignal
}

func NewConversation(cfg *models.Config, client chat.Client, dialer stream.Dialer, bus *eventbus.Bus, logger *logrus.Logger, verbose bool) *Conversation {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}

	debounce := time.Duration(cfg.Typing.DebounceMs) * time.Millisecond

	c := &Conversation{
		client:   client,
		bus:      bus,
		logger:   apperrors.NewLogger(logger),
		verbose:  verbose,
		notifyIn: time.Duration(cfg.Notifications.DisplaySec) * time.Second,
		store: store.New(store.Options{
			EchoSuppression: time.Duration(cfg.Store.EchoSuppressionMs) * time.Millisecond,
			MaxMessages:     cfg.Store.MaxMessages,
		}, bus, logger),
		loader:   history.NewLoader(client, cfg.History.Limit, logger, verbose),
		presence: typing.NewPresence(debounce, bus),
		stager:   attachment.NewStager(client, cfg.Attachments.MaxSizeMB, logger),
	}

	c.notifier = typing.NewNotifier(debounce, typing.SignalerFunc(c.enqueueTyping), logger)
	c.consumer = live.NewConsumer(dialer, c, live.Options{
		Reconnect: !cfg.Live.DisableReconnect,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Live.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Live.MaxBackoffMs) * time.Millisecond,
			Multiplier:   constants.DefaultReconnectMultiplier,
			Jitter:       true,
		},
		DialTimeout: time.Duration(cfg.Live.DialTimeoutSec) * time.Second,
		Verbose:     verbose,
	}, logger)

	return c
}

// Bus returns the event bus the conversation publishes on
func (c *Conversation) Bus() *eventbus.Bus {
	return c.bus
}

// OnMount opens the live channel for the viewer and selects peers
func (c *Conversation) OnMount(ctx context.Context, identity Identity, peers []string) error {
	if err := validation.ValidateIdentifier("viewer", identity.ID); err != nil {
		return err
	}
	if err := validation.ValidateDisplayName(identity.Name); err != nil {
		return err
	}
	peers = normalizePeers(peers)
	if err := validation.ValidatePeers(peers); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		c.stateMu.RLock()
		sameViewer := c.identity.ID == identity.ID
		c.stateMu.RUnlock()
		if sameViewer {
			c.stateMu.Lock()
			c.identity = identity
			c.stateMu.Unlock()
		} else {
			c.unmountLocked()
		}
	}

	if !c.mounted {
		c.stateMu.Lock()
		c.identity = identity
		c.center = notify.NewCenter(c.notifyIn, c.bus)
		c.typingCh = make(chan typingSignal, typingQueueSize)
		typingCh := c.typingCh
		c.stateMu.Unlock()

		c.typingWG.Add(1)
		go c.postTyping(typingCh)
	}

	if err := c.consumer.Open(ctx, identity.ID); err != nil {
		if !c.mounted {
			c.stopTypingWorker()
			c.stateMu.Lock()
			c.identity = Identity{}
			c.stateMu.Unlock()
		}
		return err
	}
	c.mounted = true

	c.logger.WithFields(privacy.MaskFields(logrus.Fields{
		"viewer": identity.ID,
		"peers":  len(peers),
	}, c.verbose)).Info("Conversation mounted")

	c.changePeersLocked(ctx, peers)
	return nil
}

// OnPeerChange switches the conversation to a new peer selection. Everything
// tied to the previous selection is dropped, including a history load still
// in flight.
func (c *Conversation) OnPeerChange(ctx context.Context, peers []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "conversation is not mounted")
	}

	peers = normalizePeers(peers)
	if err := validation.ValidatePeers(peers); err != nil {
		return err
	}
	c.changePeersLocked(ctx, peers)
	return nil
}

// OnUnmount stops typing, drops the staged file, closes the live channel and
// waits for in-flight history loads
func (c *Conversation) OnUnmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmountLocked()
}

func (c *Conversation) unmountLocked() {
	if !c.mounted {
		return
	}

	c.notifier.Reset()
	c.stager.Clear()

	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}
	c.consumer.Close()
	c.loads.Wait()

	c.stopTypingWorker()

	c.stateMu.Lock()
	if c.center != nil {
		c.center.Close()
	}
	c.identity = Identity{}
	c.peers = nil
	c.stateMu.Unlock()

	c.presence.Clear()
	c.mounted = false
	c.logger.Info("Conversation unmounted")
}

// changePeersLocked expects peers already normalized and validated
func (c *Conversation) changePeersLocked(ctx context.Context, peers []string) {
	if c.loadCancel != nil {
		c.loadCancel()
		c.loadCancel = nil
	}

	// stop goes to the previous selection
	c.notifier.Reset()

	gen := c.store.Reset()
	c.stager.Clear()
	c.presence.Clear()

	c.stateMu.Lock()
	c.peers = peers
	c.gen = gen
	viewer := c.identity.ID
	c.stateMu.Unlock()

	c.consumer.SetSelection(viewer, peers)

	if len(peers) == 0 {
		return
	}

	loadCtx, cancel := context.WithCancel(tracing.WithOperationID(context.WithoutCancel(ctx)))
	c.loadCancel = cancel

	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		defer cancel()

		msgs := c.loader.Load(loadCtx, viewer, peers)
		if !c.store.ApplyHistory(gen, msgs) {
			c.logger.WithFields(tracing.LogFields(loadCtx)).Debug("History arrived after the selection changed")
		}
	}()
}

// Compose reports the current composer text
func (c *Conversation) Compose(text string) {
	c.notifier.Input(text)
}

// StageFile stages a file for the next message
func (c *Conversation) StageFile(path string) (*attachment.PendingAttachment, error) {
	return c.stager.Stage(path)
}

// RemoveFile drops the staged file
func (c *Conversation) RemoveFile() {
	c.stager.Clear()
}

// PendingFile reports the staged file
func (c *Conversation) PendingFile() (attachment.PendingAttachment, bool) {
	return c.stager.Pending()
}

// Send uploads the staged file, shows an optimistic copy of the message and
// posts it to every selected peer. Delivery failures are logged only.
func (c *Conversation) Send(ctx context.Context, text string) error {
	_, staged := c.stager.Pending()
	if strings.TrimSpace(text) == "" && !staged {
		return apperrors.NewValidationError("text", "", "message is empty")
	}

	c.stateMu.RLock()
	identity, peers, gen := c.identity, append([]string(nil), c.peers...), c.gen
	c.stateMu.RUnlock()

	if identity.ID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "conversation is not mounted")
	}
	if len(peers) == 0 {
		return apperrors.NewValidationError("peers", "", "no peer selected")
	}

	ctx = tracing.WithOperationID(ctx)
	attachments := c.stager.Commit(ctx)

	now := time.Now()
	echoes := make([]types.Message, 0, len(peers))
	for _, peer := range peers {
		echoes = append(echoes, types.Message{
			ID:          uuid.NewString(),
			SenderID:    identity.ID,
			RecipientID: peer,
			SenderName:  identity.Name,
			Text:        text,
			Attachments: attachments,
			CreatedAt:   now,
		})
	}
	if !c.store.AddLocalEcho(gen, echoes...) {
		c.logger.WithFields(tracing.LogFields(ctx)).Debug("Selection changed during send, echo not shown")
	}

	for _, echo := range echoes {
		req := types.SendMessageRequest{
			SenderID:    identity.ID,
			SenderName:  identity.Name,
			RecipientID: echo.RecipientID,
			Text:        text,
			Attachments: attachments,
			ClientID:    echo.ID,
		}
		if err := c.client.SendMessage(ctx, req); err != nil {
			metrics.IncrementCounter(metrics.MessageSendFailures, nil, "Failed message sends")
			fields := privacy.MaskFields(logrus.Fields{"recipient": echo.RecipientID, "client_id": echo.ID}, c.verbose)
			for k, v := range tracing.LogFields(ctx) {
				fields[k] = v
			}
			c.logger.LogRetryableError(err, "Failed to send message", fields)
			continue
		}
		metrics.IncrementCounter(metrics.MessagesSent, nil, "Messages sent")
	}

	c.notifier.Sent()
	return nil
}

// Messages returns the merged conversation
func (c *Conversation) Messages() []types.Message {
	return c.store.Messages()
}

// Typing returns whether the selected peer is typing
func (c *Conversation) Typing() types.TypingState {
	return c.presence.State()
}

// Notifications returns the reply banners currently shown
func (c *Conversation) Notifications() []types.ReplyNotification {
	c.stateMu.RLock()
	center := c.center
	c.stateMu.RUnlock()

	if center == nil {
		return nil
	}
	return center.Active()
}

// Selection returns the viewer and the selected peers
func (c *Conversation) Selection() (Identity, []string) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.identity, append([]string(nil), c.peers...)
}

// LiveConnected reports whether the live channel is open
func (c *Conversation) LiveConnected() bool {
	return c.consumer.IsConnected()
}

// HandleMessage implements live.Handler
func (c *Conversation) HandleMessage(msg types.Message) {
	c.store.ApplyLive(msg)
}

// HandleReply implements live.Handler
func (c *Conversation) HandleReply(reply live.Reply) {
	c.stateMu.RLock()
	center := c.center
	c.stateMu.RUnlock()

	if center == nil {
		return
	}

	who := reply.ReplierName
	if who == "" {
		who = reply.ReplierID
	}
	center.Push(fmt.Sprintf("%s replied", who))
}

// HandleTyping implements live.Handler
func (c *Conversation) HandleTyping(peer string, status types.TypingStatus) {
	c.presence.Apply(peer, status)
}

// enqueueTyping runs under the notifier's lock, so it only queues
func (c *Conversation) enqueueTyping(status types.TypingStatus) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.typingCh == nil || len(c.peers) == 0 {
		return
	}

	signal := typingSignal{
		viewer: c.identity.ID,
		peers:  append([]string(nil), c.peers...),
		status: status,
	}
	select {
	case c.typingCh <- signal:
	default:
		c.logger.WithField("status", status).Warn("Typing signal queue full, dropping signal")
	}
}

// postTyping delivers queued typing signals in order until the channel closes
func (c *Conversation) postTyping(signals <-chan typingSignal) {
	defer c.typingWG.Done()

	for signal := range signals {
		for _, peer := range signal.peers {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.client.SendTyping(ctx, types.TypingRequest{
				SenderID:    signal.viewer,
				RecipientID: peer,
				Status:      signal.status,
			})
			cancel()
			if err != nil {
				metrics.IncrementCounter(metrics.TypingSignalFailures, nil, "Failed typing signals")
				c.logger.LogWarn(err, "Failed to post typing signal", privacy.MaskFields(logrus.Fields{
					"recipient": peer,
					"status":    string(signal.status),
				}, c.verbose))
			}
		}
	}
}

func (c *Conversation) stopTypingWorker() {
	c.stateMu.Lock()
	ch := c.typingCh
	c.typingCh = nil
	c.stateMu.Unlock()

	if ch != nil {
		close(ch)
	}
	c.typingWG.Wait()
}

// normalizePeers trims ids and drops blanks and duplicates, keeping order
func normalizePeers(peers []string) []string {
	out := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
