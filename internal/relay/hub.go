// Package relay is the room-scoped synchronization engine: it owns room
// membership, runs one session per websocket connection, fans locally
// authored updates out to siblings, and evicts unresponsive sessions.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/crdt"
	"github.com/endureomatic/relay/internal/protocol"
	"github.com/endureomatic/relay/internal/registry"
	"github.com/endureomatic/relay/internal/tokens"
)

// UpdatePublisher forwards applied update frames to other relay instances.
// Optional; a single-node deployment runs without one.
type UpdatePublisher interface {
	PublishUpdate(room string, frame []byte)
}

// Config holds per-connection tuning.
type Config struct {
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  1 << 20, // update fragments can carry whole documents
		SendBuffer:      256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Hub owns the room table. Membership mutations happen under one lock;
// per-room merge+persist+broadcast is serialized by the room's apply lock.
type Hub struct {
	registry *registry.Registry
	logger   zerolog.Logger
	config   Config

	mu        sync.RWMutex
	rooms     map[string]*room
	publisher UpdatePublisher
}

type room struct {
	name     string
	doc      *crdt.Document
	sessions map[*Session]struct{}

	// applyMu serializes merge + fan-out + publish for this room so the
	// persisted history and broadcasts both reflect receipt order.
	applyMu sync.Mutex
}

func NewHub(reg *registry.Registry, config Config, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: reg,
		logger:   logger.With().Str("component", "hub").Logger(),
		config:   config,
		rooms:    make(map[string]*room),
	}
}

// SetPublisher installs the cross-instance fan-out hook. Call before
// serving connections.
func (h *Hub) SetPublisher(p UpdatePublisher) {
	h.publisher = p
}

// Attach binds a hydrated room to a new session and starts its pumps. The
// relay speaks first: a state vector query goes out before any client
// frame is processed.
func (h *Hub) Attach(ctx context.Context, conn wsConn, roomName string, mode tokens.AccessMode) (*Session, error) {
	doc, err := h.registry.Get(ctx, roomName)
	if err != nil {
		return nil, fmt.Errorf("attach to room %s: %w", roomName, err)
	}

	h.mu.Lock()
	rm, ok := h.rooms[roomName]
	if !ok {
		rm = &room{name: roomName, doc: doc, sessions: make(map[*Session]struct{})}
		h.rooms[roomName] = rm
	}
	s := newSession(h, rm, conn, mode)
	rm.sessions[s] = struct{}{}
	members := len(rm.sessions)
	h.mu.Unlock()

	s.logger.Info().Int("room_sessions", members).Msg("session attached")

	go s.writePump()
	go s.readPump()
	s.enqueue(protocol.EncodeSyncQuery(doc.StateVector()))
	return s, nil
}

// detach removes a session from its room; the room table entry goes away
// with its last session, the document stays resident in the registry.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := s.room
	if _, ok := rm.sessions[s]; !ok {
		return
	}
	delete(rm.sessions, s)
	if len(rm.sessions) == 0 {
		delete(h.rooms, rm.name)
	}
	s.logger.Info().Int("room_sessions", len(rm.sessions)).Msg("session detached")
}

// broadcast enqueues frame to every session in rm except the author.
func (h *Hub) broadcast(rm *room, frame []byte, exclude *Session) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(rm.sessions))
	for s := range rm.sessions {
		if s != exclude {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(frame)
	}
}

// apply is the per-room serialization point: merge the update (which also
// drives the durable append through the registry's listener), then fan the
// raw frame out, then hand it to the cross-instance publisher.
func (rm *room) apply(h *Hub, update, rawFrame []byte, author *Session, publish bool) error {
	rm.applyMu.Lock()
	defer rm.applyMu.Unlock()
	if err := rm.doc.Merge(update); err != nil {
		return err
	}
	if rawFrame != nil {
		h.broadcast(rm, rawFrame, author)
		if publish && h.publisher != nil {
			h.publisher.PublishUpdate(rm.name, rawFrame)
		}
	}
	return nil
}

// ApplyLocal merges a server-authored update (room bootstrap, admin edits)
// through the same merge+persist+broadcast path as a client update frame.
func (h *Hub) ApplyLocal(ctx context.Context, roomName string, update []byte) error {
	doc, err := h.registry.Get(ctx, roomName)
	if err != nil {
		return err
	}
	frame := protocol.EncodeSyncUpdate(update)

	h.mu.RLock()
	rm := h.rooms[roomName]
	h.mu.RUnlock()
	if rm != nil {
		return rm.apply(h, update, frame, nil, true)
	}

	// No live sessions: merge straight into the resident document.
	if err := doc.Merge(update); err != nil {
		return fmt.Errorf("apply local update to room %s: %w", roomName, err)
	}
	if h.publisher != nil {
		h.publisher.PublishUpdate(roomName, frame)
	}
	return nil
}

// InjectRemote applies an update frame received from another relay
// instance: merge and local fan-out, but never republish.
func (h *Hub) InjectRemote(ctx context.Context, roomName string, frame []byte) error {
	f, err := protocol.Parse(frame)
	if err != nil {
		return fmt.Errorf("inject remote frame for room %s: %w", roomName, err)
	}
	if f.Type != protocol.MessageSync || f.SyncKind != protocol.SyncUpdate {
		return nil
	}
	doc, err := h.registry.Get(ctx, roomName)
	if err != nil {
		return err
	}

	h.mu.RLock()
	rm := h.rooms[roomName]
	h.mu.RUnlock()
	if rm != nil {
		return rm.apply(h, f.Payload, frame, nil, false)
	}
	return doc.Merge(f.Payload)
}

// sessionsSnapshot returns every live session, for the liveness sweep.
func (h *Hub) sessionsSnapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Session
	for _, rm := range h.rooms {
		for s := range rm.sessions {
			out = append(out, s)
		}
	}
	return out
}

// RoomSessions reports the current membership count of a room.
func (h *Hub) RoomSessions(roomName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rm, ok := h.rooms[roomName]
	if !ok {
		return 0
	}
	return len(rm.sessions)
}
