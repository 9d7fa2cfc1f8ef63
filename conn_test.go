package nostrclient

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	initial := 1 * time.Second
	max := 60 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second}, // 64s clamped
		{8, 60 * time.Second},
		{100, 60 * time.Second},
		{0, 1 * time.Second}, // treated as attempt 1
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, initial, max); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayInitialAboveMax(t *testing.T) {
	if got := backoffDelay(1, 5*time.Second, 2*time.Second); got != 2*time.Second {
		t.Errorf("got %v, want max clamp", got)
	}
}

func TestIsLoopbackTarget(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"ws://localhost:8080", true},
		{"ws://127.0.0.1:7447", true},
		{"ws://[::1]:7447", true},
		{"wss://relay.damus.io", false},
		{"ws://10.0.0.5:7447", false},
		{"://bad", false},
	}
	for _, tc := range cases {
		if got := isLoopbackTarget(tc.url); got != tc.want {
			t.Errorf("isLoopbackTarget(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		ConnState(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestWriteFrameWhileDisconnected(t *testing.T) {
	conn := NewConn(ConnConfig{URL: "ws://localhost:1"})
	if err := conn.WriteFrame([]byte(`["CLOSE","x"]`)); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
