package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat periodically probes every registered connection and evicts the
// ones that fail to answer within a full interval. A connection is only
// evicted when a probe from the previous tick is still unanswered, so a
// transiently delayed peer survives a single slow cycle.
type Heartbeat struct {
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger
}

func NewHeartbeat(hub *Hub, interval time.Duration, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		hub:      hub,
		interval: interval,
		logger:   logger,
	}
}

// Run drives the probe loop. Call in a goroutine.
// Returns when context is cancelled.
func (hb *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	hb.logger.Info("heartbeat monitor started",
		zap.Duration("interval", hb.interval),
	)

	for {
		select {
		case <-ctx.Done():
			hb.logger.Info("heartbeat monitor stopping")
			return
		case <-ticker.C:
			hb.tick()
		}
	}
}

func (hb *Heartbeat) tick() {
	for _, client := range hb.hub.Connections() {
		if client.markPing() {
			// Probe from the previous tick is still outstanding.
			hb.logger.Warn("heartbeat timeout",
				zap.String("connID", client.ConnID()),
				zap.Time("lastPongAt", client.LastPongAt()),
			)
			hb.hub.Evict(client, "heartbeat_timeout")
			continue
		}

		if err := client.sendPing(); err != nil {
			hb.logger.Debug("ping send failed",
				zap.String("connID", client.ConnID()),
				zap.Error(err),
			)
			hb.hub.Evict(client, "ping_failed")
		}
	}
}
