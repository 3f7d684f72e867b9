// Package client is the relay's Go counterpart to a browser replica: it
// holds a local document, speaks the binary sync protocol over a websocket,
// and reconnects with backoff when the connection drops. The local document
// survives disconnects, so edits made offline flow to the relay through the
// next handshake.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/crdt"
	"github.com/endureomatic/relay/internal/protocol"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Options configures a Session. Exactly one of Token or Room must be set;
// a token is resolved server-side, a raw room name is debug access.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:3000/ws".
	URL   string
	Token string
	Room  string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnAwareness receives the payload of each awareness frame, from the
	// read loop. Optional.
	OnAwareness func(payload []byte)

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Session is one client replica. All methods are safe for concurrent use.
type Session struct {
	opts Options
	doc  *crdt.Document
	url  string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	logger zerolog.Logger
}

func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if (opts.Token == "") == (opts.Room == "") {
		return nil, errors.New("client: exactly one of Token or Room must be set")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse URL: %w", err)
	}
	q := u.Query()
	if opts.Token != "" {
		q.Set("token", opts.Token)
	} else {
		q.Set("room", opts.Room)
	}
	u.RawQuery = q.Encode()

	return &Session{
		opts:   opts,
		doc:    crdt.New(),
		url:    u.String(),
		logger: opts.Logger.With().Str("component", "client").Logger(),
	}, nil
}

// Doc exposes the local replica for reads and snapshots.
func (s *Session) Doc() *crdt.Document { return s.doc }

// Connected reports whether a websocket is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// nextBackoff doubles the delay up to the configured cap.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Connect dials the relay and serves the connection, reconnecting with
// exponential backoff until ctx is cancelled. It returns ctx.Err() on
// cancellation.
func (s *Session) Connect(ctx context.Context) error {
	backoff := s.opts.InitialBackoff
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.Clock.After(backoff):
		}
		backoff = nextBackoff(backoff, s.opts.MaxBackoff)
	}
}

// runOnce dials and serves one connection until it fails or ctx ends.
func (s *Session) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Force the read loop out when ctx ends mid-connection.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	// Ask for everything the relay has that this replica lacks.
	if err := s.write(protocol.EncodeSyncQuery(s.doc.StateVector())); err != nil {
		return err
	}
	s.logger.Info().Msg("connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.handleFrame(data); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(data []byte) error {
	f, err := protocol.Parse(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed frame")
		return nil
	}
	switch f.Type {
	case protocol.MessageSync:
		return s.handleSync(f)
	case protocol.MessageAwareness:
		if s.opts.OnAwareness != nil {
			s.opts.OnAwareness(f.Payload)
		}
	}
	return nil
}

func (s *Session) handleSync(f *protocol.Frame) error {
	switch f.SyncKind {
	case protocol.SyncQuery:
		// Send the relay what it lacks, then ask again for what we lack;
		// this pair carries offline edits across a reconnect.
		diff, err := s.doc.Diff(f.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping state vector query")
			return nil
		}
		if err := s.write(protocol.EncodeSyncDiff(diff)); err != nil {
			return err
		}
		return s.write(protocol.EncodeSyncQuery(s.doc.StateVector()))
	case protocol.SyncDiff, protocol.SyncUpdate:
		if err := s.doc.Merge(f.Payload); err != nil {
			s.logger.Warn().Err(err).Msg("dropping unmergeable payload")
		}
	}
	return nil
}

// write sends one frame under the connection lock.
func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("client: not connected")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Change applies a local mutation and pushes the resulting update frame if
// a connection is up. Offline changes stay in the document and reach the
// relay through the next handshake.
func (s *Session) Change(mutate func(doc *automerge.Doc) error) error {
	update, err := s.doc.Change(mutate)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	if err := s.write(protocol.EncodeSyncUpdate(update)); err != nil {
		s.logger.Debug().Err(err).Msg("update not sent, will resync on reconnect")
	}
	return nil
}

// SendAwareness pushes an opaque presence payload to room siblings.
func (s *Session) SendAwareness(payload []byte) error {
	return s.write(protocol.EncodeAwareness(payload))
}
