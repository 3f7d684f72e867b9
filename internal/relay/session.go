package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/protocol"
	"github.com/endureomatic/relay/internal/tokens"
)

// wsConn is the slice of *websocket.Conn the session uses, so tests can
// substitute a fake connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one live connection bound to exactly one room and access
// mode. It never outlives its socket.
type Session struct {
	ID   string
	Mode tokens.AccessMode

	hub  *Hub
	room *room
	conn wsConn
	send chan []byte

	// alive is cleared by each liveness probe and set again by the pong.
	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newSession(h *Hub, rm *room, conn wsConn, mode tokens.AccessMode) *Session {
	s := &Session{
		ID:   uuid.New().String(),
		Mode: mode,
		hub:  h,
		room: rm,
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}
	s.logger = h.logger.With().
		Str("session_id", s.ID).
		Str("room", rm.name).
		Str("access_mode", string(mode)).
		Logger()
	s.alive.Store(true)
	return s
}

// enqueue queues a frame for delivery. A consumer whose buffer is full is
// closed rather than allowed to stall the room.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- frame:
	default:
		s.logger.Warn().Msg("send buffer full, closing slow session")
		s.Close()
	}
}

// Close tears the session down: membership is released, the socket is
// closed, pending work is abandoned. Siblings, the document and its
// persisted history are untouched.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.detach(s)
		_ = s.conn.Close()
	})
}

func (s *Session) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(s.hub.config.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			deadline := time.Now().Add(s.hub.config.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.Close()
				return
			}
		}
	}
}

// handleFrame processes one inbound frame per the protocol semantics. A
// malformed frame is dropped and logged; the connection stays open.
func (s *Session) handleFrame(data []byte) {
	f, err := protocol.Parse(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("frame_bytes", len(data)).Msg("dropping malformed frame")
		return
	}
	switch f.Type {
	case protocol.MessageSync:
		s.handleSync(f, data)
	case protocol.MessageAwareness:
		// Ephemeral presence data: relayed verbatim, never parsed or
		// persisted.
		s.hub.broadcast(s.room, data, s)
	default:
		// Unknown message types are ignored for forward compatibility.
	}
}

func (s *Session) handleSync(f *protocol.Frame, raw []byte) {
	switch f.SyncKind {
	case protocol.SyncQuery:
		diff, err := s.room.doc.Diff(f.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping state vector query")
			return
		}
		// Point-to-point reply, never broadcast.
		s.enqueue(protocol.EncodeSyncDiff(diff))
	case protocol.SyncDiff:
		if err := s.room.apply(s.hub, f.Payload, nil, s, false); err != nil {
			s.logger.Warn().Err(err).Msg("dropping unmergeable diff response")
		}
	case protocol.SyncUpdate:
		if s.Mode == tokens.ModeView {
			s.logger.Warn().Int("update_bytes", len(f.Payload)).Msg("ignoring update from view-mode session")
			return
		}
		if err := s.room.apply(s.hub, f.Payload, raw, s, true); err != nil {
			s.logger.Warn().Err(err).Msg("dropping unmergeable update")
		}
	default:
		// Unknown sync kinds are ignored, same as unknown message types.
	}
}

// ping sends a liveness probe out of band.
func (s *Session) ping() {
	deadline := time.Now().Add(s.hub.config.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.logger.Debug().Err(err).Msg("ping failed")
		s.Close()
	}
}
