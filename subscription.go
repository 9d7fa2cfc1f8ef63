package nostrclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	subEventBuffer  = 100
	requestTimeout  = 10 * time.Second
	seenEventTTL    = 10 * time.Minute
	seenEventBudget = 50000
)

// Subscription is one logical subscription multiplexed over the relay
// connection. Events arrive on Events in the order the relay sent them;
// EOSE is closed once the relay's stored backlog (including any events
// that needed decryption) has been fully delivered.
type Subscription struct {
	ID     string
	Events chan Event
	EOSE   chan struct{}
	Filter Filter

	done      chan struct{}
	closeOnce sync.Once
	eoseOnce  sync.Once
}

// Close tears down the consumer side exactly once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done reports consumer teardown.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) signalEOSE() {
	s.eoseOnce.Do(func() {
		close(s.EOSE)
	})
}

// newSubID allocates a random subscription identifier. Collisions are
// harmless since identifiers are scoped to one connection's lifetime.
func newSubID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "sub-" + hex.EncodeToString(b)
}

// mux routes inbound event frames to the matching consumer and implements
// the end-of-stored-events synchronization barrier. All bookkeeping maps
// are guarded by mu; inbound frames arrive sequentially from the read loop.
type mux struct {
	send    func([]byte) error
	env     *EnvelopeCodec
	onEvent func(Event)
	logger  *slog.Logger

	mu       sync.Mutex
	subs     map[string]*Subscription
	decrypts map[string]*sync.WaitGroup

	// seen de-duplicates inbound events per subscription: upstream delivery
	// is at-least-once, downstream delivery is idempotent by event ID.
	seen *ttlcache.Cache[string, struct{}]
}

func newMux(send func([]byte) error, env *EnvelopeCodec, onEvent func(Event), logger *slog.Logger) *mux {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](seenEventTTL),
		ttlcache.WithCapacity[string, struct{}](seenEventBudget),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()

	return &mux{
		send:     send,
		env:      env,
		onEvent:  onEvent,
		logger:   loggerOrDefault(logger),
		subs:     make(map[string]*Subscription),
		decrypts: make(map[string]*sync.WaitGroup),
		seen:     seen,
	}
}

func (m *mux) close() {
	m.closeAll()
	m.seen.Stop()
}

// subscribe registers a new subscription and sends the REQ verb.
func (m *mux) subscribe(filter Filter) (*Subscription, error) {
	sub := &Subscription{
		ID:     newSubID(),
		Events: make(chan Event, subEventBuffer),
		EOSE:   make(chan struct{}),
		Filter: filter,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	req, err := EncodeReq(sub.ID, filter)
	if err == nil {
		err = m.send(req)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.subs, sub.ID)
		m.mu.Unlock()
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// unsubscribe sends CLOSE (best effort) and releases the consumer and its
// pending-decryption bookkeeping.
func (m *mux) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	_, exists := m.subs[sub.ID]
	delete(m.subs, sub.ID)
	delete(m.decrypts, sub.ID)
	m.mu.Unlock()

	if exists {
		if frame, err := EncodeClose(sub.ID); err == nil {
			m.send(frame)
		}
	}
	sub.Close()
}

// closeAll invalidates every subscription together, as happens on
// connection teardown.
func (m *mux) closeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.decrypts = make(map[string]*sync.WaitGroup)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// handleFrame is wired as the connection's inbound frame handler.
func (m *mux) handleFrame(frame Frame) {
	switch f := frame.(type) {
	case EventFrame:
		m.dispatchEvent(f)
	case EoseFrame:
		m.dispatchEose(f)
	case NoticeFrame:
		m.logger.Info("relay notice", "message", f.Message)
	case OkFrame:
		if f.Success {
			m.logger.Debug("event accepted", "event_id", f.EventID)
		} else {
			m.logger.Warn("event rejected", "event_id", f.EventID, "message", f.Message)
		}
	}
}

// dispatchEvent routes one event frame. Unmatched subscription IDs are
// dropped silently (the subscription has since been torn down). Encrypted
// envelopes are unwrapped asynchronously; the per-subscription WaitGroup
// tracks those in-flight decryptions for the EOSE barrier.
func (m *mux) dispatchEvent(f EventFrame) {
	m.mu.Lock()
	sub := m.subs[f.SubID]
	if sub == nil {
		m.mu.Unlock()
		return
	}

	seenKey := f.SubID + ":" + f.Event.ID
	if m.seen.Has(seenKey) {
		m.mu.Unlock()
		return
	}
	m.seen.Set(seenKey, struct{}{}, ttlcache.DefaultTTL)

	if m.env != nil && m.env.IsEnvelope(&f.Event) {
		wg := m.decrypts[f.SubID]
		if wg == nil {
			wg = &sync.WaitGroup{}
			m.decrypts[f.SubID] = wg
		}
		wg.Add(1)
		m.mu.Unlock()

		evt := f.Event
		go func() {
			defer wg.Done()
			if inner := m.env.Unwrap(&evt); inner != nil {
				m.deliver(sub, *inner)
			}
		}()
		return
	}
	m.mu.Unlock()

	m.deliver(sub, f.Event)
}

// deliver hands an event to the consumer channel. A full buffer drops the
// event rather than blocking the read loop.
func (m *mux) deliver(sub *Subscription, evt Event) {
	if m.onEvent != nil {
		m.onEvent(evt)
	}
	select {
	case sub.Events <- evt:
		eventsReceivedTotal.Add(1)
	case <-sub.done:
	default:
		framesDroppedTotal.Add(1)
		m.logger.Warn("subscription buffer full, dropping event",
			"sub_id", sub.ID, "event_id", evt.ID)
	}
}

// dispatchEose implements the barrier: wait for every decryption started
// before the EOSE signal, then report completion to the consumer. A
// one-shot query therefore never resolves before each stored event it
// received has had its chance to be decrypted and delivered.
//
// The WaitGroup is retired here: sync.WaitGroup forbids Add after Wait
// has begun, so envelopes arriving after EOSE on a long-lived
// subscription get a fresh group (which nothing waits on; live events
// need no barrier).
func (m *mux) dispatchEose(f EoseFrame) {
	m.mu.Lock()
	sub := m.subs[f.SubID]
	wg := m.decrypts[f.SubID]
	delete(m.decrypts, f.SubID)
	m.mu.Unlock()

	if sub == nil {
		return
	}

	go func() {
		if wg != nil {
			wg.Wait()
		}
		sub.signalEOSE()
	}()
}

// requestOnce runs a one-shot query: subscribe, collect until the EOSE
// barrier or the context deadline, unsubscribe.
func (m *mux) requestOnce(ctx context.Context, filter Filter) ([]Event, error) {
	sub, err := m.subscribe(filter)
	if err != nil {
		return nil, err
	}
	defer m.unsubscribe(sub)

	var events []Event
	for {
		select {
		case evt := <-sub.Events:
			events = append(events, evt)

		case <-sub.EOSE:
			// The barrier has passed: everything decryptable is already
			// buffered, drain it and finish.
			for {
				select {
				case evt := <-sub.Events:
					events = append(events, evt)
				default:
					return events, nil
				}
			}

		case <-sub.Done():
			// Connection torn down; return what we have.
			return events, nil

		case <-ctx.Done():
			return events, nil
		}
	}
}
