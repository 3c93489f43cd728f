package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Peers       PeerMetrics     `json:"peers"`
	Envelopes   EnvelopeMetrics `json:"envelopes"`
	Queue       QueueMetrics    `json:"queue"`
}

type PeerMetrics struct {
	DialAttempts uint64 `json:"dial_attempts"`
	DialSuccess  uint64 `json:"dial_success"`
	DialFail     uint64 `json:"dial_fail"`
	Connected    uint64 `json:"connected"`
	Evicted      uint64 `json:"evicted"`
}

type EnvelopeMetrics struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	DropVerify uint64 `json:"drop_verify"`
}

type QueueMetrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Exhausted uint64 `json:"exhausted"`
}

type Metrics struct {
	dialAttempts atomic.Uint64
	dialSuccess  atomic.Uint64
	dialFail     atomic.Uint64
	connected    atomic.Uint64
	evicted      atomic.Uint64

	envSent       atomic.Uint64
	envReceived   atomic.Uint64
	envDropVerify atomic.Uint64

	queueEnqueued  atomic.Uint64
	queueDelivered atomic.Uint64
	queueExhausted atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDialAttempts() {
	m.dialAttempts.Add(1)
}

func (m *Metrics) IncDialSuccess() {
	m.dialSuccess.Add(1)
}

func (m *Metrics) IncDialFail() {
	m.dialFail.Add(1)
}

func (m *Metrics) SetConnected(n uint64) {
	m.connected.Store(n)
}

func (m *Metrics) IncEvicted() {
	m.evicted.Add(1)
}

func (m *Metrics) IncEnvelopeSent() {
	m.envSent.Add(1)
}

func (m *Metrics) IncEnvelopeReceived() {
	m.envReceived.Add(1)
}

func (m *Metrics) IncEnvelopeDropVerify() {
	m.envDropVerify.Add(1)
}

func (m *Metrics) IncQueueEnqueued() {
	m.queueEnqueued.Add(1)
}

func (m *Metrics) IncQueueDelivered() {
	m.queueDelivered.Add(1)
}

func (m *Metrics) IncQueueExhausted() {
	m.queueExhausted.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Peers: PeerMetrics{
			DialAttempts: m.dialAttempts.Load(),
			DialSuccess:  m.dialSuccess.Load(),
			DialFail:     m.dialFail.Load(),
			Connected:    m.connected.Load(),
			Evicted:      m.evicted.Load(),
		},
		Envelopes: EnvelopeMetrics{
			Sent:       m.envSent.Load(),
			Received:   m.envReceived.Load(),
			DropVerify: m.envDropVerify.Load(),
		},
		Queue: QueueMetrics{
			Enqueued:  m.queueEnqueued.Load(),
			Delivered: m.queueDelivered.Load(),
			Exhausted: m.queueExhausted.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
