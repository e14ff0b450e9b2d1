package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval matches the liveness sweep of the browser client.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat bounds how long a half-open connection can occupy a room. Each
// sweep terminates connections that showed no sign of life since the
// previous sweep; the rest are marked unproven and pinged.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	// OnTerminate, if set, is called for each connection the sweep kills.
	OnTerminate func(*Conn)
}

func NewHeartbeat(registry *Registry, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Run sweeps every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one liveness pass and returns how many connections it
// terminated. Termination closes the socket; the connection's read pump
// then runs the normal disconnect path, including leaving its room.
func (h *Heartbeat) Sweep() int {
	terminated := 0
	h.registry.Each(func(c *Conn) {
		if !c.alive.Swap(false) {
			c.logger.Info("Terminating unresponsive connection")
			c.Close()
			terminated++
			if h.OnTerminate != nil {
				h.OnTerminate(c)
			}
			return
		}
		if err := c.Ping(); err != nil {
			c.logger.Debug("Ping failed", "error", err)
		}
	})
	if terminated > 0 {
		h.logger.Info("Heartbeat sweep", "terminated", terminated, "connections", h.registry.Len())
	}
	return terminated
}
