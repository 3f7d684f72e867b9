package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// TeamInfo is the materialized form of the "team" map inside a room
// document, as written at room bootstrap.
type TeamInfo struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	TeamName  string `json:"teamName"`
	EditToken string `json:"editToken"`
	ReadToken string `json:"readToken"`
	CreatedAt int64  `json:"createdAt"`
}

// Snapshot is a plain structured view of a room document's current content,
// for export and reporting. It is a copy; mutating it does not touch the
// document.
type Snapshot struct {
	Team    TeamInfo         `json:"team"`
	Members []map[string]any `json:"members"`
	Laps    []map[string]any `json:"laps"`
}

// TeamBootstrapUpdate builds the update fragment that seeds a fresh room
// with its team metadata. The fragment is produced from an independent
// document so it can be merged, persisted and broadcast through the same
// path as any client-authored update.
func TeamBootstrapUpdate(team TeamInfo) ([]byte, error) {
	doc := automerge.New()
	err := doc.Path("team").Set(map[string]any{
		"id":        team.ID,
		"eventId":   team.EventID,
		"teamName":  team.TeamName,
		"editToken": team.EditToken,
		"readToken": team.ReadToken,
		"createdAt": team.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("crdt: seed team map: %w", err)
	}
	return doc.Save(), nil
}

// Snapshot materializes the document's team, members and laps. Rooms that
// were never bootstrapped yield zero values rather than an error.
func (d *Document) Snapshot() (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := &Snapshot{
		Members: []map[string]any{},
		Laps:    []map[string]any{},
	}

	if v, err := d.doc.Path("team").Get(); err == nil && v.Kind() == automerge.KindMap {
		team, err := automerge.As[map[string]any](v, nil)
		if err != nil {
			return nil, fmt.Errorf("crdt: materialize team map: %w", err)
		}
		snap.Team = TeamInfo{
			ID:        asString(team["id"]),
			EventID:   asString(team["eventId"]),
			TeamName:  asString(team["teamName"]),
			EditToken: asString(team["editToken"]),
			ReadToken: asString(team["readToken"]),
			CreatedAt: asInt64(team["createdAt"]),
		}
	}

	members, err := d.materializeList("teamMembers")
	if err != nil {
		return nil, err
	}
	snap.Members = members

	laps, err := d.materializeList("laps")
	if err != nil {
		return nil, err
	}
	snap.Laps = laps

	return snap, nil
}

func (d *Document) materializeList(key string) ([]map[string]any, error) {
	out := []map[string]any{}
	v, err := d.doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindList {
		return out, nil
	}
	items, err := automerge.As[[]any](v, nil)
	if err != nil {
		return nil, fmt.Errorf("crdt: materialize %s list: %w", key, err)
	}
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
