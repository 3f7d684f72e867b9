package relay

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultLivenessInterval is the probe period; a session that misses one
// full cycle is evicted, bounding half-open connections to two periods.
const DefaultLivenessInterval = 30 * time.Second

// LivenessMonitor periodically probes every session and terminates the
// ones that did not answer the previous probe.
type LivenessMonitor struct {
	hub      *Hub
	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// NewLivenessMonitor builds a monitor. Pass clockwork.NewRealClock() in
// production and a FakeClock in tests.
func NewLivenessMonitor(hub *Hub, clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &LivenessMonitor{
		hub:      hub,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "liveness").Logger(),
	}
}

// Run sweeps until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info().Dur("interval", m.interval).Msg("liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("liveness monitor stopped")
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

// sweep terminates sessions that missed the previous probe and probes the
// rest. A pong restores the alive flag via the session's pong handler.
func (m *LivenessMonitor) sweep() {
	for _, s := range m.hub.sessionsSnapshot() {
		if !s.alive.Load() {
			m.logger.Warn().Str("session_id", s.ID).Msg("evicting unresponsive session")
			s.Close()
			continue
		}
		s.alive.Store(false)
		s.ping()
	}
}
