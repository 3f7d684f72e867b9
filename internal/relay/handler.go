package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/tokens"
)

// ClosePolicyViolation is sent when a connection presents neither a valid
// token nor a room name.
const ClosePolicyViolation = 4001

// Handler upgrades websocket requests and binds them to rooms. The query
// string carries either a capability token or a raw room name; the token
// wins when both are present.
type Handler struct {
	hub      *Hub
	tokens   *tokens.Store
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, tokenStore *tokens.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokenStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  hub.config.ReadBufferSize,
			WriteBufferSize: hub.config.WriteBufferSize,
			CheckOrigin:     hub.config.CheckOrigin,
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	roomParam := r.URL.Query().Get("room")

	var roomName string
	mode := tokens.ModeView
	if entry, ok := h.tokens.Resolve(token); ok {
		roomName = entry.RoomName
		mode = entry.AccessMode
	} else if roomParam != "" {
		// Unauthenticated debug access by raw room name gets edit mode;
		// capability enforcement only means anything for token holders.
		roomName = roomParam
		mode = tokens.ModeEdit
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if roomName == "" {
		deadline := time.Now().Add(h.hub.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ClosePolicyViolation, "invalid token"), deadline)
		_ = conn.Close()
		h.logger.Warn().Str("remote", r.RemoteAddr).Msg("connection rejected: no token or room")
		return
	}

	if _, err := h.hub.Attach(r.Context(), conn, roomName, mode); err != nil {
		h.logger.Error().Err(err).Str("room", roomName).Msg("failed to attach session")
		deadline := time.Now().Add(h.hub.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"), deadline)
		_ = conn.Close()
	}
}
