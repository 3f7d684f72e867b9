// Package httpapi serves the JSON API around the sync relay: event listing,
// team provisioning with capability tokens, and team data export.
package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/crdt"
	"github.com/endureomatic/relay/internal/registry"
	"github.com/endureomatic/relay/internal/relay"
	"github.com/endureomatic/relay/internal/tokens"
)

// Event is one pre-configured race event teams register under. Times are
// unix milliseconds.
type Event struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	StartTime int64  `json:"startTime" yaml:"start_time"`
	EndTime   int64  `json:"endTime" yaml:"end_time"`
}

// API holds the handlers. Events are fixed at construction; team state
// lives in the token store and the room documents.
type API struct {
	hub      *relay.Hub
	registry *registry.Registry
	tokens   *tokens.Store
	events   []Event
	logger   zerolog.Logger
}

func New(hub *relay.Hub, reg *registry.Registry, tokenStore *tokens.Store, events []Event, logger zerolog.Logger) *API {
	return &API{
		hub:      hub,
		registry: reg,
		tokens:   tokenStore,
		events:   events,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events", a.listEvents)
	mux.HandleFunc("GET /api/events/{id}", a.getEvent)
	mux.HandleFunc("POST /api/teams", a.createTeam)
	mux.HandleFunc("GET /api/teams/{token}", a.getTeam)
	mux.HandleFunc("GET /api/teams/{token}/export/json", a.exportJSON)
	mux.HandleFunc("GET /api/teams/{token}/export/markdown", a.exportMarkdown)
}

func (a *API) findEvent(id string) *Event {
	for i := range a.events {
		if a.events[i].ID == id {
			return &a.events[i]
		}
	}
	return nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("encode response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.events)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	event := a.findEvent(r.PathValue("id"))
	if event == nil {
		a.writeError(w, http.StatusNotFound, "Event not found")
		return
	}
	a.writeJSON(w, http.StatusOK, event)
}

// newToken returns a 160-bit random capability token in URL-safe base64.
func newToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type createTeamRequest struct {
	EventID  string `json:"eventId"`
	TeamName string `json:"teamName"`
}

type createTeamResponse struct {
	TeamID    string `json:"teamId"`
	EditToken string `json:"editToken"`
	ReadToken string `json:"readToken"`
	EventID   string `json:"eventId"`
}

// createTeam provisions a room: two capability tokens and a document
// seeded with the team map, pushed through the same merge and persist
// path as client updates.
func (a *API) createTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventID == "" || req.TeamName == "" {
		a.writeError(w, http.StatusBadRequest, "eventId and teamName are required")
		return
	}
	if a.findEvent(req.EventID) == nil {
		a.writeError(w, http.StatusNotFound, "Event not found")
		return
	}

	teamID := uuid.New().String()
	editToken, err := newToken()
	if err != nil {
		a.logger.Error().Err(err).Msg("token generation failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	readToken, err := newToken()
	if err != nil {
		a.logger.Error().Err(err).Msg("token generation failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	roomName := "team-" + teamID

	if err := a.tokens.Create(editToken, tokens.Entry{
		RoomName: roomName, AccessMode: tokens.ModeEdit,
		TeamName: req.TeamName, EventID: req.EventID,
	}); err != nil {
		a.logger.Error().Err(err).Msg("store edit token")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.tokens.Create(readToken, tokens.Entry{
		RoomName: roomName, AccessMode: tokens.ModeView,
		TeamName: req.TeamName, EventID: req.EventID,
	}); err != nil {
		a.logger.Error().Err(err).Msg("store read token")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	update, err := crdt.TeamBootstrapUpdate(crdt.TeamInfo{
		ID:        teamID,
		EventID:   req.EventID,
		TeamName:  req.TeamName,
		EditToken: editToken,
		ReadToken: readToken,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("room", roomName).Msg("build team bootstrap")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.hub.ApplyLocal(r.Context(), roomName, update); err != nil {
		a.logger.Error().Err(err).Str("room", roomName).Msg("seed team document")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info().Str("room", roomName).Str("event_id", req.EventID).Msg("team created")
	a.writeJSON(w, http.StatusOK, createTeamResponse{
		TeamID:    teamID,
		EditToken: editToken,
		ReadToken: readToken,
		EventID:   req.EventID,
	})
}

type teamInfoResponse struct {
	RoomName   string `json:"roomName"`
	AccessMode string `json:"accessMode"`
	TeamName   string `json:"teamName"`
	EventID    string `json:"eventId"`
	Event      *Event `json:"event"`
}

func (a *API) getTeam(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.tokens.Resolve(r.PathValue("token"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "Team not found")
		return
	}
	a.writeJSON(w, http.StatusOK, teamInfoResponse{
		RoomName:   entry.RoomName,
		AccessMode: string(entry.AccessMode),
		TeamName:   entry.TeamName,
		EventID:    entry.EventID,
		Event:      a.findEvent(entry.EventID),
	})
}

// snapshotForToken resolves a token and materializes its room document.
func (a *API) snapshotForToken(r *http.Request) (*crdt.Snapshot, *Event, error) {
	entry, ok := a.tokens.Resolve(r.PathValue("token"))
	if !ok {
		return nil, nil, errTeamNotFound
	}
	doc, err := a.registry.Get(r.Context(), entry.RoomName)
	if err != nil {
		return nil, nil, fmt.Errorf("load room %s: %w", entry.RoomName, err)
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot room %s: %w", entry.RoomName, err)
	}
	return snap, a.findEvent(entry.EventID), nil
}
