package nostrclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	drainSendDelay   = 50 * time.Millisecond
	cacheWriteBuffer = 256
)

// ClientConfig wires a relay client together. Collaborators (queue,
// cache, group resolver) are injected by the process owner so tests can
// substitute fakes; nothing is looked up through ambient singletons.
type ClientConfig struct {
	RelayURL  string
	ProxyAddr string

	// PrivateKey signs locally authored events. Optional when every
	// published event arrives pre-signed.
	PrivateKey *btcec.PrivateKey

	// GroupResolver enables the envelope codec. Without it, envelope
	// events pass through undecrypted.
	GroupResolver       GroupResolver
	GroupTagKey         string
	AllowLegacyGroupTag bool

	// Queue overrides the durable pending queue; when nil one is opened
	// at QueueDir (in-memory when QueueDir is also empty).
	Queue    *PendingQueue
	QueueDir string

	// MaxRetries bounds replay attempts per pending event (default 5).
	MaxRetries int

	// Cache overrides the read-through event cache; defaults to an
	// in-memory cache.
	Cache EventCache

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	SettleDelay    time.Duration

	// RequestTimeout bounds one-shot queries (default 10s).
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// PublishOptions selects encrypted-envelope delivery for a publish call.
type PublishOptions struct {
	GroupID      string
	RecipientKey string
}

// PublishResult reports how a publish call was handled. When the event
// was queued instead of sent, PendingID identifies the durable row.
type PublishResult struct {
	SentImmediately bool
	PendingID       string
}

// Client multiplexes subscriptions and publishes over one relay
// connection, diverting unsendable events into the durable pending queue
// and replaying them when connectivity returns.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn  *Conn
	mux   *mux
	env   *EnvelopeCodec
	queue *PendingQueue
	cache EventCache

	ownQueue bool
	closed   atomic.Bool
	drainMu  sync.Mutex

	statusMu sync.Mutex
	onStatus func(ConnState)

	cacheWrites chan Event
	cacheQuit   chan struct{}
}

// NewClient builds a client. It does not connect; call Connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("relay URL is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = requestTimeout
	}
	logger := loggerOrDefault(cfg.Logger)

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		cache:       cfg.Cache,
		queue:       cfg.Queue,
		cacheWrites: make(chan Event, cacheWriteBuffer),
		cacheQuit:   make(chan struct{}),
	}

	if c.cache == nil {
		c.cache = NewMemoryEventCache(0, logger)
	}
	if c.queue == nil {
		queue, err := OpenPendingQueue(cfg.QueueDir, logger)
		if err != nil {
			return nil, err
		}
		c.queue = queue
		c.ownQueue = true
	}

	if cfg.GroupResolver != nil {
		c.env = NewEnvelopeCodec(EnvelopeConfig{
			Resolver:            cfg.GroupResolver,
			GroupTagKey:         cfg.GroupTagKey,
			AllowLegacyGroupTag: cfg.AllowLegacyGroupTag,
			Logger:              logger,
		})
	}

	c.conn = NewConn(ConnConfig{
		URL:            cfg.RelayURL,
		ProxyAddr:      cfg.ProxyAddr,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
		SettleDelay:    cfg.SettleDelay,
		Logger:         logger,
	})
	c.mux = newMux(c.conn.WriteFrame, c.env, c.tapEvent, logger)
	c.conn.SetHandlers(c.mux.handleFrame, c.handleState, c.drainQueue)

	go c.cacheWriter()
	return c, nil
}

// Connect establishes the transport. onStatusChange, if non-nil, observes
// every subsequent connection state transition.
func (c *Client) Connect(ctx context.Context, onStatusChange func(ConnState)) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.statusMu.Lock()
	c.onStatus = onStatusChange
	c.statusMu.Unlock()
	return c.conn.Connect(ctx)
}

// Disconnect closes the socket; unless permanent, auto-reconnect stays
// armed for the next transport failure.
func (c *Client) Disconnect(permanent bool) {
	c.conn.Disconnect(permanent)
}

// State returns the connection state.
func (c *Client) State() ConnState {
	return c.conn.State()
}

// Close shuts everything down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.conn.Close()
	c.mux.close()
	close(c.cacheQuit)
	var err error
	if c.ownQueue {
		err = c.queue.Close()
	}
	if cerr := c.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

// handleState reacts to connection transitions: teardown invalidates all
// subscriptions together, and the observer is notified afterwards.
func (c *Client) handleState(s ConnState) {
	if s == StateReconnecting || s == StateDisconnected {
		c.mux.closeAll()
	}
	c.statusMu.Lock()
	observer := c.onStatus
	c.statusMu.Unlock()
	if observer != nil {
		observer(s)
	}
}

// Subscribe opens a long-lived subscription. Subscriptions do not survive
// a reconnect; consumers observing Done re-subscribe.
func (c *Client) Subscribe(filter Filter) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.mux.subscribe(filter)
}

// Unsubscribe closes a subscription and sends the CLOSE verb.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.mux.unsubscribe(sub)
}

// RequestOnce runs a live one-shot query, completing on the relay's EOSE
// barrier or the request timeout, whichever comes first.
func (c *Client) RequestOnce(ctx context.Context, filter Filter) ([]Event, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	return c.mux.requestOnce(ctx, filter)
}

// cacheServes decides whether a cache lookup is authoritative for a
// query: at least one match, and either no lower time-bound was asked
// for, or the match count already reaches the requested limit. Anything
// else falls through to the relay.
func cacheServes(filter Filter, results []Event) bool {
	if len(results) == 0 {
		return false
	}
	if filter.Since == nil {
		return true
	}
	return filter.Limit > 0 && len(results) >= filter.Limit
}

// Query is the read-through one-shot query: consult the cache first,
// fall back to a live relay request when the cache cannot be trusted.
// Upper-bounded (pagination) queries always bypass the cache since older
// pages are assumed not to be fully cached.
func (c *Client) Query(ctx context.Context, filter Filter, useCache bool) ([]Event, error) {
	if useCache && filter.Until == nil {
		cached := c.cache.Lookup(ctx, filter)
		if cacheServes(filter, cached) {
			cacheHitsTotal.Add(1)
			c.logger.Debug("serving query from cache", "count", len(cached))
			return cached, nil
		}
		cacheMissesTotal.Add(1)
	}
	return c.RequestOnce(ctx, filter)
}

// RequestPast fetches an older page of events. until == nil means "from
// now"; a concrete bound always goes to the relay.
func (c *Client) RequestPast(ctx context.Context, filter Filter, until *int64, useCache bool) ([]Event, error) {
	filter.Until = until
	return c.Query(ctx, filter, useCache)
}

// Publish sends an event now when connected, or persists it for replay
// when not. The caller never blocks waiting for connectivity. opts
// selects encrypted-envelope delivery to a group.
func (c *Client) Publish(ctx context.Context, evt Event, opts *PublishOptions) (PublishResult, error) {
	if c.closed.Load() {
		return PublishResult{}, ErrClientClosed
	}
	groupID, recipient := "", ""
	if opts != nil {
		groupID, recipient = opts.GroupID, opts.RecipientKey
	}
	if groupID != "" && c.env == nil {
		return PublishResult{}, errors.New("group publish requires a group resolver")
	}

	if c.conn.State() == StateConnected {
		err := c.wrapAndSend(evt, groupID, recipient)
		if err == nil {
			eventsPublishedTotal.Add(1)
			return PublishResult{SentImmediately: true}, nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return PublishResult{}, err
		}
		// Socket died under us; fall through to the queue.
	}

	pe, err := c.queue.Enqueue(evt, groupID, recipient)
	if err != nil {
		return PublishResult{}, fmt.Errorf("queue publish: %w", err)
	}
	c.logger.Info("publish deferred to pending queue", "pending_id", pe.ID, "kind", evt.Kind)
	return PublishResult{SentImmediately: false, PendingID: pe.ID}, nil
}

// wrapAndSend signs (and, for group sends, envelope-wraps) the event and
// writes it to the socket. Wrapping happens at send time so replayed
// events are encrypted under the group's current state.
func (c *Client) wrapAndSend(evt Event, groupID, recipient string) error {
	outbound := &evt
	if evt.Sig == "" {
		if c.cfg.PrivateKey == nil {
			return errors.New("cannot publish unsigned event without a private key")
		}
		signed := evt
		signed.Tags = evt.CloneTags()
		if err := SignEvent(&signed, c.cfg.PrivateKey); err != nil {
			return err
		}
		outbound = &signed
	}

	if groupID != "" {
		envelope, err := c.env.Wrap(outbound, groupID, recipient)
		if err != nil {
			return err
		}
		if c.cfg.PrivateKey == nil {
			return errors.New("cannot sign envelope without a private key")
		}
		if err := SignEvent(envelope, c.cfg.PrivateKey); err != nil {
			return err
		}
		outbound = envelope
	}

	frame, err := EncodeEvent(outbound)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(frame)
}

// PendingCount reports the number of rows in the durable queue.
func (c *Client) PendingCount() (int, error) {
	return c.queue.PendingCount()
}

// drainQueue replays pending events FIFO after every (re)connect. A
// connectivity failure stops the loop (no point hammering a dead
// socket); any other failure moves on to the next entry. Claiming
// skips retry-exhausted entries, so a persistently failing event
// cannot keep the loop spinning; those entries are purged afterwards.
func (c *Client) drainQueue() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if c.closed.Load() {
		return
	}

	for c.conn.State() == StateConnected {
		pe, err := c.queue.ClaimOldest(c.cfg.MaxRetries)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) {
				c.logger.Error("pending queue claim failed", "error", err)
			}
			break
		}
		if pe == nil {
			break
		}

		sendErr := c.wrapAndSend(pe.Event, pe.GroupID, pe.RecipientKey)
		if sendErr == nil {
			eventsPublishedTotal.Add(1)
			if err := c.queue.Ack(pe); err != nil {
				c.logger.Error("failed to remove sent pending event", "pending_id", pe.ID, "error", err)
			}
		} else {
			c.logger.Warn("pending event send failed",
				"pending_id", pe.ID, "retries", pe.RetryCount+1, "error", sendErr)
			if err := c.queue.Requeue(pe); err != nil {
				c.logger.Error("failed to requeue pending event", "pending_id", pe.ID, "error", err)
				break
			}
			if errors.Is(sendErr, ErrNotConnected) {
				break
			}
		}

		// Pace replays so a long backlog doesn't flood the relay.
		time.Sleep(drainSendDelay)
	}

	purged, err := c.queue.PurgeExhausted(c.cfg.MaxRetries)
	if err != nil && !errors.Is(err, ErrQueueClosed) {
		c.logger.Error("pending queue purge failed", "error", err)
	}
	if purged > 0 {
		c.logger.Warn("purged pending events after retry exhaustion", "count", purged)
	}
}

// tapEvent feeds every delivered event to the cache writer without ever
// blocking delivery.
func (c *Client) tapEvent(evt Event) {
	select {
	case c.cacheWrites <- evt:
	default:
		// Cache writes are best-effort; drop under pressure.
	}
}

// cacheWriter applies opportunistic cache write-backs off the hot path.
func (c *Client) cacheWriter() {
	for {
		select {
		case evt := <-c.cacheWrites:
			c.cache.Store(context.Background(), evt)
		case <-c.cacheQuit:
			return
		}
	}
}

// Stats returns the package counters; exposed on the client for
// convenience in health endpoints.
func (c *Client) Stats() Stats {
	return ReadStats()
}
