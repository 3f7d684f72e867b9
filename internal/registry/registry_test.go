package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endureomatic/relay/internal/crdt"
)

// memStore is an in-memory UpdateStore that counts loads and records appends.
type memStore struct {
	mu      sync.Mutex
	history map[string][][]byte
	loads   atomic.Int64
	loadErr error
	slow    time.Duration
}

func newMemStore() *memStore {
	return &memStore{history: make(map[string][][]byte)}
}

func (m *memStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	m.loads.Add(1)
	if m.slow > 0 {
		time.Sleep(m.slow)
	}
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, u := range m.history[room] {
		out = append(out, u...)
	}
	return out, nil
}

func (m *memStore) AppendUpdate(ctx context.Context, room string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[room] = append(m.history[room], append([]byte(nil), update...))
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) appended(room string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[room])
}

func TestAtMostOneHydration(t *testing.T) {
	store := newMemStore()
	store.slow = 20 * time.Millisecond
	r := New(store, zerolog.Nop())

	const n = 16
	docs := make([]*crdt.Document, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := r.Get(context.Background(), "alpha")
			require.NoError(t, err)
			docs[i] = doc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.loads.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, docs[0], docs[i])
	}
}

func TestGetIsIdempotentPerRoom(t *testing.T) {
	r := New(newMemStore(), zerolog.Nop())
	a, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.Get(context.Background(), "beta")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, r.Resident())
}

func TestHydrationReplaysHistory(t *testing.T) {
	store := newMemStore()

	author := crdt.New()
	update, err := author.Change(func(doc *automerge.Doc) error {
		return doc.Path("team").Set(map[string]any{"teamName": "Sore Losers"})
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendUpdate(context.Background(), "alpha", update))

	r := New(store, zerolog.Nop())
	doc, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, author.StateVector(), doc.StateVector())
}

func TestMergesAfterHydrationArePersisted(t *testing.T) {
	store := newMemStore()
	r := New(store, zerolog.Nop())

	doc, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)

	author := crdt.New()
	update, err := author.Change(func(d *automerge.Doc) error {
		return d.Path("x").Set(int64(1))
	})
	require.NoError(t, err)
	require.NoError(t, doc.Merge(update))

	// Appends run on the room's writer goroutine.
	assert.Eventually(t, func() bool {
		return store.appended("alpha") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFailedHydrationIsSurfacedAndRetried(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk on fire")
	r := New(store, zerolog.Nop())

	_, err := r.Get(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, 0, r.Resident())

	store.loadErr = nil
	doc, err := r.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Equal(t, int64(2), store.loads.Load())
}
