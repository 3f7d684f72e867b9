// Package natsbridge fans applied update frames out to other relay
// instances over core NATS, so sessions for the same room converge no
// matter which instance they landed on. Durability is the update store's
// job; the bridge only carries live traffic, so plain pub/sub is enough.
package natsbridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/relay"
)

// nodeHeader carries the publishing instance's identity so a node can
// drop its own messages on the subscribe side.
const nodeHeader = "Relay-Node"

// Config holds NATS connection tuning.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the connection settings used in production.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "relay.room",
		MaxReconnects: -1, // keep retrying
		ReconnectWait: 2 * time.Second,
	}
}

// Bridge connects one relay instance to the shared update subjects.
type Bridge struct {
	hub    *relay.Hub
	nc     *nats.Conn
	sub    *nats.Subscription
	nodeID string
	config Config
	logger zerolog.Logger
}

// New connects to NATS and returns a bridge ready to Start. The bridge
// installs itself as the hub's publisher.
func New(hub *relay.Hub, config Config, logger zerolog.Logger) (*Bridge, error) {
	bridgeLogger := logger.With().Str("component", "nats_bridge").Logger()
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			bridgeLogger.Error().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bridgeLogger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			bridgeLogger.Error().Err(err).Msg("nats error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	b := &Bridge{
		hub:    hub,
		nc:     nc,
		nodeID: uuid.New().String(),
		config: config,
		logger: bridgeLogger,
	}
	hub.SetPublisher(b)
	return b, nil
}

// subject maps a room name onto a NATS subject. Room names are free-form
// and may contain characters a subject cannot, so the name travels hex
// encoded.
func (b *Bridge) subject(room string) string {
	return b.config.SubjectPrefix + "." + hex.EncodeToString([]byte(room))
}

// PublishUpdate implements relay.UpdatePublisher. Failures are logged and
// dropped; a late joiner on another instance still catches up through its
// handshake diff.
func (b *Bridge) PublishUpdate(room string, frame []byte) {
	msg := nats.NewMsg(b.subject(room))
	msg.Header.Set(nodeHeader, b.nodeID)
	msg.Data = frame
	if err := b.nc.PublishMsg(msg); err != nil {
		b.logger.Error().Err(err).Str("room", room).Msg("publish update failed")
	}
}

// Start subscribes to every room subject and injects foreign updates into
// the hub until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.config.SubjectPrefix+".>", func(msg *nats.Msg) {
		if msg.Header.Get(nodeHeader) == b.nodeID {
			return
		}
		suffix := strings.TrimPrefix(msg.Subject, b.config.SubjectPrefix+".")
		roomBytes, err := hex.DecodeString(suffix)
		if err != nil {
			b.logger.Warn().Str("subject", msg.Subject).Msg("dropping message with unparseable subject")
			return
		}
		room := string(roomBytes)
		if err := b.hub.InjectRemote(ctx, room, msg.Data); err != nil {
			b.logger.Error().Err(err).Str("room", room).Msg("inject remote update failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s.>: %w", b.config.SubjectPrefix, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject_prefix", b.config.SubjectPrefix).Msg("nats bridge started")

	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

// Stop unsubscribes and drains the connection.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	b.logger.Info().Msg("nats bridge stopped")
}
