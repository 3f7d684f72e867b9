// Package registry owns the live document instance for each room. A room's
// document is hydrated from storage exactly once no matter how many
// sessions race for first access, and stays resident for the life of the
// process.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/endureomatic/relay/internal/crdt"
	"github.com/endureomatic/relay/internal/storage"
)

// appendQueueSize bounds in-flight durable writes per room. Fan-out never
// waits on a write unless the queue is this far behind.
const appendQueueSize = 256

// Registry maps room names to hydrated documents.
type Registry struct {
	store  storage.UpdateStore
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*entry

	appendFailures atomic.Uint64
}

type entry struct {
	ready chan struct{}
	doc   *crdt.Document
	err   error
}

func New(store storage.UpdateStore, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "registry").Logger(),
		rooms:  make(map[string]*entry),
	}
}

// Get returns the room's document, hydrating it on first access. Concurrent
// callers for an unhydrated room all wait on the same hydration; exactly
// one storage load happens. A failed hydration is surfaced to every waiter
// and forgotten, so a later call can retry.
func (r *Registry) Get(ctx context.Context, room string) (*crdt.Document, error) {
	r.mu.Lock()
	if e, ok := r.rooms[room]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.doc, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{})}
	r.rooms[room] = e
	r.mu.Unlock()

	e.doc, e.err = r.hydrate(ctx, room)
	if e.err != nil {
		// No partial documents: drop the entry so the next access retries.
		r.mu.Lock()
		delete(r.rooms, room)
		r.mu.Unlock()
	}
	close(e.ready)
	return e.doc, e.err
}

func (r *Registry) hydrate(ctx context.Context, room string) (*crdt.Document, error) {
	doc := crdt.New()
	history, err := r.store.LoadSnapshot(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("hydrate room %s: %w", room, err)
	}
	if len(history) > 0 {
		if err := doc.Merge(history); err != nil {
			return nil, fmt.Errorf("hydrate room %s: %w", room, err)
		}
	}

	// Durable appends run on a single per-room goroutine fed by the update
	// listener: the listener keeps receipt order, the queue keeps the
	// broadcast path from waiting on disk.
	appendCh := make(chan []byte, appendQueueSize)
	go r.appendLoop(room, appendCh)
	doc.OnUpdate(func(update []byte) {
		appendCh <- update
	})

	r.logger.Debug().Str("room", room).Int("history_bytes", len(history)).Msg("room hydrated")
	return doc, nil
}

func (r *Registry) appendLoop(room string, updates <-chan []byte) {
	for update := range updates {
		if err := r.store.AppendUpdate(context.Background(), room, update); err != nil {
			// A durability gap, not a delivery failure: peers already got
			// the update. Count and log it loudly.
			r.appendFailures.Add(1)
			r.logger.Error().Err(err).Str("room", room).Msg("durable append failed, history has a gap")
		}
	}
}

// AppendFailures reports how many durable appends have failed since start.
func (r *Registry) AppendFailures() uint64 {
	return r.appendFailures.Load()
}

// Resident reports how many documents are currently held in memory.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
