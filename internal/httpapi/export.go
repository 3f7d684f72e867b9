package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/endureomatic/relay/internal/crdt"
)

var errTeamNotFound = errors.New("team not found")

// exportVersion tags the JSON export schema.
const exportVersion = 1

type jsonExport struct {
	Version    int              `json:"version"`
	ExportedAt string           `json:"exportedAt"`
	Event      *Event           `json:"event"`
	Team       crdt.TeamInfo    `json:"team"`
	Members    []map[string]any `json:"members"`
	Laps       []map[string]any `json:"laps"`
}

func (a *API) exportJSON(w http.ResponseWriter, r *http.Request) {
	snap, event, err := a.snapshotForToken(r)
	if err != nil {
		a.exportError(w, err)
		return
	}

	name := snap.Team.TeamName
	if name == "" {
		name = "team"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-export.json"))

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonExport{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Event:      event,
		Team:       snap.Team,
		Members:    snap.Members,
		Laps:       snap.Laps,
	}); err != nil {
		a.logger.Error().Err(err).Msg("encode json export")
	}
}

func (a *API) exportMarkdown(w http.ResponseWriter, r *http.Request) {
	snap, event, err := a.snapshotForToken(r)
	if err != nil {
		a.exportError(w, err)
		return
	}

	name := snap.Team.TeamName
	if name == "" {
		name = "team"
	}
	w.Header().Set("Content-Type", "text/markdown")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-summary.md"))
	if _, err := w.Write([]byte(renderMarkdown(snap, event))); err != nil {
		a.logger.Error().Err(err).Msg("write markdown export")
	}
}

func (a *API) exportError(w http.ResponseWriter, err error) {
	if errors.Is(err, errTeamNotFound) {
		a.writeError(w, http.StatusNotFound, "Team not found")
		return
	}
	a.logger.Error().Err(err).Msg("export failed")
	a.writeError(w, http.StatusInternalServerError, "internal error")
}

// renderMarkdown builds the human-readable team summary: event header, a
// lap table in running order, and the roster.
func renderMarkdown(snap *crdt.Snapshot, event *Event) string {
	eventName := "Event"
	if event != nil {
		eventName = event.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s — %s\n\n", eventName, snap.Team.TeamName)
	if event != nil {
		fmt.Fprintf(&b, "**Event:** %s  \n", event.Name)
		fmt.Fprintf(&b, "**Start:** %s  \n", formatMillis(event.StartTime))
		fmt.Fprintf(&b, "**End:** %s  \n\n", formatMillis(event.EndTime))
	}

	b.WriteString("## Laps\n\n")
	b.WriteString("| # | Member | Status | Duration |\n|---|---|---|---|\n")
	laps := append([]map[string]any(nil), snap.Laps...)
	sort.SliceStable(laps, func(i, j int) bool {
		return asFloat64(laps[i]["order"]) < asFloat64(laps[j]["order"])
	})
	for _, lap := range laps {
		member := asStr(lap["memberName"])
		if asBool(lap["isGuest"]) {
			member += " (guest)"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n",
			int64(asFloat64(lap["order"])), member, asStr(lap["status"]), lapDuration(lap))
	}

	b.WriteString("\n## Team\n\n")
	for _, m := range snap.Members {
		line := "- **" + asStr(m["name"]) + "**"
		if asBool(m["isGuest"]) {
			line += " (guest)"
		}
		if active, ok := m["active"].(bool); ok && !active {
			line += " (inactive)"
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n---\n*Exported from Endure-O-Matic*\n")
	return b.String()
}

// lapDuration renders an actual duration as "Xm Ys", a prediction as
// "~Xm", and everything else as "-". Durations are stored in seconds.
func lapDuration(lap map[string]any) string {
	if actual := asFloat64(lap["actualDuration"]); actual > 0 {
		return fmt.Sprintf("%dm %ds", int64(actual)/60, int64(actual)%60)
	}
	if predicted := asFloat64(lap["predictedDuration"]); predicted > 0 {
		return fmt.Sprintf("~%dm", int64(predicted)/60)
	}
	return "-"
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04 MST")
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
