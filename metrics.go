package nostrclient

import "sync/atomic"

// Relay metrics
var (
	eventsReceivedTotal  atomic.Int64
	eventsPublishedTotal atomic.Int64
	framesDroppedTotal   atomic.Int64
	reconnectsTotal      atomic.Int64
)

// Envelope metrics
var (
	decryptFailuresTotal atomic.Int64
	envelopesUnwrapped   atomic.Int64
)

// Queue metrics
var (
	queueEnqueuedTotal atomic.Int64
	queueDrainedTotal  atomic.Int64
	queuePurgedTotal   atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// Stats is a point-in-time snapshot of the package counters.
type Stats struct {
	EventsReceived  int64
	EventsPublished int64
	FramesDropped   int64
	Reconnects      int64
	DecryptFailures int64
	EnvelopesOpened int64
	QueueEnqueued   int64
	QueueDrained    int64
	QueuePurged     int64
	CacheHits       int64
	CacheMisses     int64
}

// ReadStats returns the current counter values.
func ReadStats() Stats {
	return Stats{
		EventsReceived:  eventsReceivedTotal.Load(),
		EventsPublished: eventsPublishedTotal.Load(),
		FramesDropped:   framesDroppedTotal.Load(),
		Reconnects:      reconnectsTotal.Load(),
		DecryptFailures: decryptFailuresTotal.Load(),
		EnvelopesOpened: envelopesUnwrapped.Load(),
		QueueEnqueued:   queueEnqueuedTotal.Load(),
		QueueDrained:    queueDrainedTotal.Load(),
		QueuePurged:     queuePurgedTotal.Load(),
		CacheHits:       cacheHitsTotal.Load(),
		CacheMisses:     cacheMissesTotal.Load(),
	}
}
