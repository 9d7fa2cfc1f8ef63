package nostrclient

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// frameSink captures outbound frames for assertions.
type frameSink struct {
	mu     sync.Mutex
	frames []string
	fail   bool
}

func (s *frameSink) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrNotConnected
	}
	s.frames = append(s.frames, string(data))
	return nil
}

func (s *frameSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func newTestMux(t *testing.T, sink *frameSink, env *EnvelopeCodec) *mux {
	t.Helper()
	m := newMux(sink.send, env, nil, nil)
	t.Cleanup(m.close)
	return m
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt := <-sub.Events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMuxRoutesEvents(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	sub, err := m.subscribe(Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	frames := sink.sent()
	if len(frames) != 1 || !strings.HasPrefix(frames[0], `["REQ",`) {
		t.Fatalf("expected one REQ frame, got %v", frames)
	}

	m.handleFrame(EventFrame{SubID: sub.ID, Event: Event{ID: "e1", Kind: 1}})
	if evt := recvEvent(t, sub); evt.ID != "e1" {
		t.Errorf("got event %q", evt.ID)
	}
}

func TestMuxIndependentSubscriptions(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	filter := Filter{Kinds: []int{1}}
	sub1, err := m.subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	sub2, err := m.subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}
	if sub1.ID == sub2.ID {
		t.Fatal("identical filters must still get distinct subscriptions")
	}

	m.unsubscribe(sub1)

	// sub2 keeps receiving after sub1 is gone.
	m.handleFrame(EventFrame{SubID: sub2.ID, Event: Event{ID: "e1", Kind: 1}})
	if evt := recvEvent(t, sub2); evt.ID != "e1" {
		t.Errorf("got event %q", evt.ID)
	}

	select {
	case <-sub1.Done():
	default:
		t.Error("unsubscribed consumer not closed")
	}

	var sawClose bool
	for _, frame := range sink.sent() {
		if strings.HasPrefix(frame, `["CLOSE",`) {
			sawClose = true
		}
	}
	if !sawClose {
		t.Error("no CLOSE frame sent on unsubscribe")
	}
}

func TestMuxSubscribeSendFailure(t *testing.T) {
	sink := &frameSink{fail: true}
	m := newTestMux(t, sink, nil)

	sub, err := m.subscribe(Filter{Kinds: []int{1}})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if sub != nil {
		t.Error("failed subscribe returned a subscription")
	}

	m.mu.Lock()
	registered := len(m.subs)
	m.mu.Unlock()
	if registered != 0 {
		t.Errorf("failed subscribe left %d registrations", registered)
	}
}

func TestMuxDropsUnmatchedSubID(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	sub, err := m.subscribe(Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Late frame for a subscription that no longer exists.
	m.handleFrame(EventFrame{SubID: "sub-gone", Event: Event{ID: "stale"}})
	m.handleFrame(EoseFrame{SubID: "sub-gone"})

	m.handleFrame(EventFrame{SubID: sub.ID, Event: Event{ID: "live", Kind: 1}})
	if evt := recvEvent(t, sub); evt.ID != "live" {
		t.Errorf("got event %q", evt.ID)
	}
}

func TestMuxDeduplicatesByEventID(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	sub, err := m.subscribe(Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m.handleFrame(EventFrame{SubID: sub.ID, Event: Event{ID: "dup", Kind: 1}})
	m.handleFrame(EventFrame{SubID: sub.ID, Event: Event{ID: "dup", Kind: 1}})
	m.handleFrame(EventFrame{SubID: sub.ID, Event: Event{ID: "other", Kind: 1}})

	if evt := recvEvent(t, sub); evt.ID != "dup" {
		t.Errorf("first event = %q", evt.ID)
	}
	if evt := recvEvent(t, sub); evt.ID != "other" {
		t.Errorf("second event = %q, duplicate was not suppressed", evt.ID)
	}
}

// slowCipher delays decryption to expose ordering bugs in the EOSE barrier.
type slowCipher struct {
	inner GroupCipher
	delay time.Duration
}

func (s *slowCipher) Encrypt(plaintext []byte) (*CiphertextRecord, error) {
	return s.inner.Encrypt(plaintext)
}

func (s *slowCipher) Decrypt(record *CiphertextRecord) ([]byte, error) {
	time.Sleep(s.delay)
	return s.inner.Decrypt(record)
}

func TestEoseWaitsForDecryption(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, 32)
	realCipher, err := NewStaticGroupCipher(secret, 0, 0)
	if err != nil {
		t.Fatalf("cipher setup: %v", err)
	}
	wrapCodec := NewEnvelopeCodec(EnvelopeConfig{Resolver: func(string) GroupCipher { return realCipher }})

	makeEnvelope := func(id, content string) Event {
		inner := &Event{CreatedAt: 1, Kind: 9, Content: content}
		inner.ID = ComputeEventID(inner)
		envelope, err := wrapCodec.Wrap(inner, "grp1", "bob")
		if err != nil {
			t.Fatalf("wrap failed: %v", err)
		}
		envelope.ID = id
		return *envelope
	}

	// Receiver decrypts slowly; envelope "bad" was encrypted under a
	// different secret and must fail silently.
	otherCipher, _ := NewStaticGroupCipher(bytes.Repeat([]byte{0x77}, 32), 0, 0)
	otherCodec := NewEnvelopeCodec(EnvelopeConfig{Resolver: func(string) GroupCipher { return otherCipher }})

	slow := &slowCipher{inner: realCipher, delay: 100 * time.Millisecond}
	recvCodec := NewEnvelopeCodec(EnvelopeConfig{Resolver: func(string) GroupCipher { return slow }})

	sink := &frameSink{}
	m := newTestMux(t, sink, recvCodec)

	type result struct {
		events []Event
		err    error
	}
	resultCh := make(chan result, 1)
	started := time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		events, err := m.requestOnce(ctx, Filter{Kinds: []int{KindGroupEnvelope}})
		resultCh <- result{events, err}
	}()

	// Wait for the REQ to learn the subscription id.
	var subID string
	deadline := time.Now().Add(2 * time.Second)
	for subID == "" {
		if time.Now().After(deadline) {
			t.Fatal("no REQ frame observed")
		}
		m.mu.Lock()
		for id := range m.subs {
			subID = id
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	badInner := &Event{CreatedAt: 1, Kind: 9, Content: "undecryptable"}
	badEnvelope, err := otherCodec.Wrap(badInner, "grp1", "bob")
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	badEnvelope.ID = "env-bad"

	m.handleFrame(EventFrame{SubID: subID, Event: makeEnvelope("env-1", "first")})
	m.handleFrame(EventFrame{SubID: subID, Event: makeEnvelope("env-2", "second")})
	m.handleFrame(EventFrame{SubID: subID, Event: *badEnvelope})
	m.handleFrame(EoseFrame{SubID: subID})

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("requestOnce failed: %v", res.err)
	}

	// The barrier must have held the query open until the slow decryptions
	// finished, and both decryptable events must be present.
	if elapsed := time.Since(started); elapsed < 100*time.Millisecond {
		t.Errorf("query resolved in %v, before decryption could finish", elapsed)
	}
	if len(res.events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(res.events), res.events)
	}
	contents := map[string]bool{}
	for _, evt := range res.events {
		contents[evt.Content] = true
		if evt.Kind != 9 {
			t.Errorf("delivered event not unwrapped: kind %d", evt.Kind)
		}
	}
	if !contents["first"] || !contents["second"] {
		t.Errorf("wrong contents: %v", contents)
	}
}

func TestEnvelopesKeepFlowingAfterEose(t *testing.T) {
	secret := bytes.Repeat([]byte{0x22}, 32)
	cipher, err := NewStaticGroupCipher(secret, 0, 0)
	if err != nil {
		t.Fatalf("cipher setup: %v", err)
	}
	codec := NewEnvelopeCodec(EnvelopeConfig{Resolver: func(string) GroupCipher { return cipher }})

	makeEnvelope := func(id, content string) Event {
		inner := &Event{CreatedAt: 1, Kind: 9, Content: content}
		inner.ID = ComputeEventID(inner)
		envelope, err := codec.Wrap(inner, "grp1", "bob")
		if err != nil {
			t.Fatalf("wrap failed: %v", err)
		}
		envelope.ID = id
		return *envelope
	}

	sink := &frameSink{}
	m := newTestMux(t, sink, codec)

	sub, err := m.subscribe(Filter{Kinds: []int{KindGroupEnvelope}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m.handleFrame(EventFrame{SubID: sub.ID, Event: makeEnvelope("env-1", "stored")})
	m.handleFrame(EoseFrame{SubID: sub.ID})

	if evt := recvEvent(t, sub); evt.Content != "stored" {
		t.Errorf("stored event = %q", evt.Content)
	}
	select {
	case <-sub.EOSE:
	case <-time.After(2 * time.Second):
		t.Fatal("EOSE never signaled")
	}

	// The stored-backlog barrier must be retired once it has been waited
	// on; live envelopes get fresh bookkeeping instead of re-arming it.
	m.mu.Lock()
	_, stillRegistered := m.decrypts[sub.ID]
	m.mu.Unlock()
	if stillRegistered {
		t.Error("backlog decrypt tracking still registered after end of stored events")
	}

	m.handleFrame(EventFrame{SubID: sub.ID, Event: makeEnvelope("env-2", "live-1")})
	m.handleFrame(EventFrame{SubID: sub.ID, Event: makeEnvelope("env-3", "live-2")})

	got := map[string]bool{}
	got[recvEvent(t, sub).Content] = true
	got[recvEvent(t, sub).Content] = true
	if !got["live-1"] || !got["live-2"] {
		t.Errorf("live events after end of backlog: %v", got)
	}
}

func TestRequestOncePartialOnCancel(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan []Event, 1)
	go func() {
		events, _ := m.requestOnce(ctx, Filter{Kinds: []int{1}})
		resultCh <- events
	}()

	var subID string
	deadline := time.Now().Add(2 * time.Second)
	for subID == "" {
		if time.Now().After(deadline) {
			t.Fatal("no subscription registered")
		}
		m.mu.Lock()
		for id := range m.subs {
			subID = id
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	m.handleFrame(EventFrame{SubID: subID, Event: Event{ID: "e1", Kind: 1}})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case events := <-resultCh:
		if len(events) != 1 || events[0].ID != "e1" {
			t.Errorf("expected partial result [e1], got %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requestOnce did not return after cancellation")
	}
}

func TestCloseAllTearsDownEverySubscription(t *testing.T) {
	sink := &frameSink{}
	m := newTestMux(t, sink, nil)

	sub1, _ := m.subscribe(Filter{Kinds: []int{1}})
	sub2, _ := m.subscribe(Filter{Kinds: []int{7}})

	m.closeAll()

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.Done():
		default:
			t.Errorf("subscription %s not closed", sub.ID)
		}
	}
}
