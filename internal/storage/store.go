// Package storage persists per-room update history. History is append-only
// and replay-ordered; loading a room that was never written returns empty
// state, not an error.
package storage

import "context"

// UpdateStore is the durable history store behind the document registry.
type UpdateStore interface {
	// LoadSnapshot returns the room's history as a single mergeable blob
	// in append order. A room with no history yields an empty slice.
	LoadSnapshot(ctx context.Context, room string) ([]byte, error)

	// AppendUpdate durably appends one update fragment to the room's
	// history. Appends for the same room are stored in call order.
	AppendUpdate(ctx context.Context, room string, update []byte) error

	Close() error
}
