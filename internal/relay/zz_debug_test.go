package relay

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/tokens"
)

func TestDebugLiveness(t *testing.T) {
	h, _ := newTestHub(t)
	responsive, respConn := attach(t, h, "alpha", tokens.ModeEdit, true)
	deaf, deafConn := attach(t, h, "alpha", tokens.ModeEdit, false)

	clock := clockwork.NewFakeClock()
	monitor := NewLivenessMonitor(h, clock, 30*time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)
	clock.BlockUntil(1)

	t.Logf("before sweep1: resp.alive=%v deaf.alive=%v", responsive.alive.Load(), deaf.alive.Load())
	clock.Advance(30 * time.Second)
	time.Sleep(200 * time.Millisecond)
	respConn.mu.Lock()
	rp := respConn.pings
	rh := respConn.pongHandler != nil
	respConn.mu.Unlock()
	deafConn.mu.Lock()
	dp := deafConn.pings
	deafConn.mu.Unlock()
	t.Logf("after sweep1: resp.pings=%d resp.handlerSet=%v deaf.pings=%d resp.alive=%v deaf.alive=%v sessions=%d",
		rp, rh, dp, responsive.alive.Load(), deaf.alive.Load(), h.RoomSessions("alpha"))
	clock.Advance(30 * time.Second)
	time.Sleep(200 * time.Millisecond)
	respConn.mu.Lock()
	rp = respConn.pings
	respConn.mu.Unlock()
	t.Logf("after sweep2: resp.pings=%d resp.alive=%v deaf.alive=%v sessions=%d",
		rp, responsive.alive.Load(), deaf.alive.Load(), h.RoomSessions("alpha"))
	select {
	case <-responsive.done:
		t.Logf("responsive CLOSED")
	default:
		t.Logf("responsive open")
	}
	select {
	case <-deaf.done:
		t.Logf("deaf CLOSED")
	default:
		t.Logf("deaf open")
	}
}
