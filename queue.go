package nostrclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// PendingStatus is the durable state of a queued outbound event.
// Transitions are pending -> sending -> {removed | pending with
// retry_count+1}; "sending" is never a terminal state and is rolled back
// to pending when the queue is reopened after an unclean shutdown.
type PendingStatus string

const (
	StatusPending PendingStatus = "pending"
	StatusSending PendingStatus = "sending"
)

const (
	defaultMaxRetries = 5
	pendingKeyPrefix  = "pending:"
)

// PendingEvent is one persisted outbound event awaiting connectivity.
// Exactly one row exists per originally submitted publish call.
type PendingEvent struct {
	ID           string        `json:"id"`
	Event        Event         `json:"event"`
	GroupID      string        `json:"group_id,omitempty"`
	RecipientKey string        `json:"recipient_key,omitempty"`
	CreatedAt    int64         `json:"created_at"`
	Status       PendingStatus `json:"status"`
	RetryCount   int           `json:"retry_count"`

	key []byte
}

// PendingQueue persists outbound events that could not be sent
// immediately. Rows are keyed so that iteration order is FIFO by
// creation time. The drain loop and fresh publishes can race on the same
// rows, so all row access is serialized by mu.
type PendingQueue struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenPendingQueue opens (or creates) the queue store at dir. An empty
// dir opens an in-memory store, useful in tests. Rows left in "sending"
// by an unclean shutdown are reset to pending before the queue is used.
func OpenPendingQueue(dir string, logger *slog.Logger) (*PendingQueue, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open pending queue: %w", err)
	}

	q := &PendingQueue{
		db:     db,
		logger: loggerOrDefault(logger),
	}
	if err := q.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the store.
func (q *PendingQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// pendingKey orders rows FIFO by enqueue time, with a uuid suffix for
// uniqueness within one nanosecond.
func pendingKey(enqueuedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", pendingKeyPrefix, enqueuedAt.UnixNano(), id))
}

// Enqueue persists a new pending row for an event that could not be sent.
func (q *PendingQueue) Enqueue(evt Event, groupID, recipientKey string) (*PendingEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	id := uuid.NewString()
	pe := &PendingEvent{
		ID:           id,
		Event:        evt,
		GroupID:      groupID,
		RecipientKey: recipientKey,
		CreatedAt:    now.Unix(),
		Status:       StatusPending,
		RetryCount:   0,
		key:          pendingKey(now, id),
	}

	value, err := json.Marshal(pe)
	if err != nil {
		return nil, err
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pe.key, value)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue pending event: %w", err)
	}

	queueEnqueuedTotal.Add(1)
	q.logger.Debug("queued pending event", "pending_id", pe.ID, "kind", evt.Kind)
	return pe, nil
}

// ClaimOldest finds the oldest row still in pending status with retries
// left, marks it sending, and returns it. Rows whose retry count has
// reached maxRetries are never claimed again; they sit until
// PurgeExhausted removes them. Returns nil when nothing is claimable.
func (q *PendingQueue) ClaimOldest(maxRetries int) (*PendingEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var claimed *PendingEvent
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(pendingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var pe PendingEvent
			if err := json.Unmarshal(value, &pe); err != nil {
				q.logger.Warn("skipping corrupt pending row", "key", string(item.Key()), "error", err)
				continue
			}
			if pe.Status != StatusPending || pe.RetryCount >= maxRetries {
				continue
			}
			pe.key = item.KeyCopy(nil)
			claimed = &pe
			return nil
		}
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}

	claimed.Status = StatusSending
	updated, err := json.Marshal(claimed)
	if err != nil {
		return nil, err
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(claimed.key, updated)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Ack removes a row after its event was sent.
func (q *PendingQueue) Ack(pe *PendingEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pe.key)
	})
	if err == nil {
		queueDrainedTotal.Add(1)
	}
	return err
}

// Requeue reverts a row to pending after a failed send, bumping its retry
// counter.
func (q *PendingQueue) Requeue(pe *PendingEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	pe.Status = StatusPending
	pe.RetryCount++
	value, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pe.key, value)
	})
}

// PurgeExhausted removes every row whose retry count has reached
// maxRetries. Purged events are gone for good; the original publish
// caller returned long ago, so this is logged rather than surfaced.
func (q *PendingQueue) PurgeExhausted(maxRetries int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var doomed [][]byte
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(pendingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var pe PendingEvent
			if err := json.Unmarshal(value, &pe); err != nil {
				doomed = append(doomed, item.KeyCopy(nil))
				continue
			}
			if pe.RetryCount >= maxRetries {
				q.logger.Warn("dropping pending event after retry exhaustion",
					"pending_id", pe.ID, "retries", pe.RetryCount)
				doomed = append(doomed, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	queuePurgedTotal.Add(int64(len(doomed)))
	return len(doomed), nil
}

// PendingCount returns the number of rows currently in the queue.
func (q *PendingQueue) PendingCount() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pendingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// recoverInFlight resets rows stuck in sending status back to pending.
func (q *PendingQueue) recoverInFlight() error {
	type stuckRow struct {
		key   []byte
		value []byte
	}
	var stuck []stuckRow

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(pendingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var pe PendingEvent
			if err := json.Unmarshal(value, &pe); err != nil {
				continue
			}
			if pe.Status != StatusSending {
				continue
			}

			pe.Status = StatusPending
			updated, err := json.Marshal(&pe)
			if err != nil {
				return err
			}
			stuck = append(stuck, stuckRow{key: item.KeyCopy(nil), value: updated})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover in-flight rows: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, row := range stuck {
			if err := txn.Set(row.key, row.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover in-flight rows: %w", err)
	}
	q.logger.Info("recovered in-flight pending events", "count", len(stuck))
	return nil
}
