package nostrclient

import "errors"

var (
	// ErrTransportUnavailable means the socket (or the proxy in front of it)
	// could not be set up. Surfaced only to the caller that initiated the
	// connection attempt.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNotConnected is returned on a send attempted while the connection
	// is down. Publish paths divert to the durable queue instead of
	// propagating this wherever possible.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrQueueClosed is returned by pending-queue operations after Close.
	ErrQueueClosed = errors.New("pending queue is closed")

	// ErrClientClosed is returned by client operations after Close.
	ErrClientClosed = errors.New("relay client is closed")
)
