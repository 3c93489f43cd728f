package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dropnet/internal/envelope"
	"dropnet/internal/metrics"
	"dropnet/internal/vault"
)

const defaultMaxAttempts = 10

// PendingDelivery is one sealed envelope waiting for its receiver to come
// online. The envelope stays sealed while queued; only the routing fields
// are visible to the queue.
type PendingDelivery struct {
	ID         string            `json:"id"`
	ReceiverID string            `json:"receiverId"`
	Envelope   envelope.Envelope `json:"envelope"`
	Attempts   int               `json:"attempts"`
	QueuedAt   time.Time         `json:"queuedAt"`
}

type Options struct {
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
	MaxAttempts int

	// OnExhausted fires when a delivery is dropped after its final attempt.
	OnExhausted func(d PendingDelivery)
}

// Queue persists undeliverable envelopes and retries them when their
// receiver connects. Retries are idempotent: a record is removed before the
// attempt and re-persisted only on failure, so a crash mid-flush can lose a
// retry but never duplicate one.
type Queue struct {
	vault       *vault.Vault
	log         *logrus.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	onExhausted func(d PendingDelivery)

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(v *vault.Vault, opts Options) *Queue {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Queue{
		vault:       v,
		log:         log,
		metrics:     opts.Metrics,
		maxAttempts: maxAttempts(opts.MaxAttempts),
		onExhausted: opts.OnExhausted,
		inFlight:    make(map[string]bool),
	}
}

// Enqueue persists a delivery for later flushing. The envelope id doubles
// as the record id, so re-enqueueing the same envelope overwrites rather
// than duplicates.
func (q *Queue) Enqueue(receiverID string, env *envelope.Envelope) error {
	d := PendingDelivery{
		ID:         env.ID,
		ReceiverID: receiverID,
		Envelope:   *env,
		Attempts:   0,
		QueuedAt:   time.Now().UTC(),
	}
	if err := q.vault.Put(vault.ColPending, d.ID, d); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if q.metrics != nil {
		q.metrics.IncQueueEnqueued()
	}
	q.log.WithFields(logrus.Fields{"envelope": d.ID, "receiver": receiverID}).Debug("delivery queued")
	return nil
}

// Pending lists queued deliveries for one receiver, oldest first.
func (q *Queue) Pending(receiverID string) ([]PendingDelivery, error) {
	var out []PendingDelivery
	err := q.vault.GetAll(vault.ColPending, func(id string, plain []byte) error {
		var d PendingDelivery
		if err := json.Unmarshal(plain, &d); err != nil {
			return err
		}
		if d.ReceiverID == receiverID {
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].QueuedAt.Before(out[j-1].QueuedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// FlushFor retries every pending delivery for the peer using send. A
// delivery whose attempts reach the cap is dropped for good and reported
// through OnExhausted. Concurrent flushes for the same peer coalesce.
func (q *Queue) FlushFor(receiverID string, send func(env *envelope.Envelope) bool) error {
	q.mu.Lock()
	if q.inFlight[receiverID] {
		q.mu.Unlock()
		return nil
	}
	q.inFlight[receiverID] = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, receiverID)
		q.mu.Unlock()
	}()

	pending, err := q.Pending(receiverID)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if err := q.vault.Delete(vault.ColPending, d.ID); err != nil {
			return err
		}
		if send(&d.Envelope) {
			if q.metrics != nil {
				q.metrics.IncQueueDelivered()
			}
			q.log.WithField("envelope", d.ID).Debug("queued delivery sent")
			continue
		}
		d.Attempts++
		if d.Attempts >= q.maxAttempts {
			if q.metrics != nil {
				q.metrics.IncQueueExhausted()
			}
			q.log.WithFields(logrus.Fields{"envelope": d.ID, "attempts": d.Attempts}).Warn("delivery exhausted")
			if q.onExhausted != nil {
				q.onExhausted(d)
			}
			continue
		}
		if err := q.vault.Put(vault.ColPending, d.ID, d); err != nil {
			return err
		}
	}
	return nil
}

func maxAttempts(opt int) int {
	if opt > 0 {
		return opt
	}
	if v, ok := envInt("DROPNET_QUEUE_MAX_ATTEMPTS"); ok && v > 0 {
		return v
	}
	return defaultMaxAttempts
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
