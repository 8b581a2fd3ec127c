package ws

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/session"
)

// Message is the wire form of one delta as delivered to consumers.
type Message struct {
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
}

// DeltaRecorder receives a copy of every broadcast message. Implementations
// must not block; the broadcaster calls it inline on the poll path.
type DeltaRecorder interface {
	Record(msg Message, payload []byte)
}

// Broadcaster serializes each delta exactly once and pushes it to every
// live connection, applying the backpressure guard per write. A slow
// consumer is evicted rather than allowed to stall or exhaust the process;
// eviction is always per-connection.
type Broadcaster struct {
	hub       *Hub
	threshold int64
	sequence  atomic.Uint64
	recorder  DeltaRecorder
	logger    *zap.Logger
}

// NewBroadcaster creates a Broadcaster. threshold is the buffered-bytes
// limit above which a connection is evicted instead of written to.
// recorder may be nil.
func NewBroadcaster(hub *Hub, threshold int64, recorder DeltaRecorder, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		hub:       hub,
		threshold: threshold,
		recorder:  recorder,
		logger:    logger,
	}
}

// Sequence returns the most recently assigned sequence number.
func (b *Broadcaster) Sequence() uint64 {
	return b.sequence.Load()
}

// BroadcastAll dispatches a poll tick's deltas in order.
func (b *Broadcaster) BroadcastAll(deltas []session.Delta) {
	for _, delta := range deltas {
		b.Broadcast(delta)
	}
}

// Broadcast assigns the delta its sequence number, serializes it once, and
// fans it out. Connections over the backpressure threshold are evicted
// before any write is attempted on them.
func (b *Broadcaster) Broadcast(delta session.Delta) {
	msg := Message{
		SessionID: delta.SessionID,
		Kind:      string(delta.Kind),
		Before:    delta.Before,
		After:     delta.After,
		Sequence:  b.sequence.Add(1),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal delta",
			zap.String("sessionID", msg.SessionID),
			zap.String("kind", msg.Kind),
			zap.Error(err),
		)
		return
	}

	if b.recorder != nil {
		b.recorder.Record(msg, payload)
	}

	for _, client := range b.hub.Connections() {
		buffered := client.BufferedBytes()
		if buffered > b.threshold {
			b.logger.Warn("backpressure limit exceeded",
				zap.String("connID", client.ConnID()),
				zap.Int64("bufferedBytes", buffered),
				zap.Int64("threshold", b.threshold),
			)
			b.hub.Evict(client, "backpressure_limit")
			continue
		}

		if !client.enqueue(payload) {
			b.hub.Evict(client, "send_buffer_full")
		}
	}

	b.logger.Debug("broadcast delta",
		zap.String("sessionID", msg.SessionID),
		zap.String("kind", msg.Kind),
		zap.Uint64("sequence", msg.Sequence),
		zap.Int("size", len(payload)),
	)
}
