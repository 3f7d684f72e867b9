package client

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endureomatic/relay/internal/crdt"
	"github.com/endureomatic/relay/internal/registry"
	"github.com/endureomatic/relay/internal/relay"
	"github.com/endureomatic/relay/internal/tokens"
)

type memStore struct {
	mu      sync.Mutex
	history map[string][][]byte
}

func newMemStore() *memStore { return &memStore{history: make(map[string][][]byte)} }

func (m *memStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
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

// testRelay is a relay instance whose listener can be dropped and rebound
// on the same address, so reconnect behavior is observable.
type testRelay struct {
	hub      *relay.Hub
	registry *registry.Registry
	handler  http.Handler
	addr     string
	srv      *http.Server
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	reg := registry.New(newMemStore(), zerolog.Nop())
	hub := relay.NewHub(reg, relay.DefaultConfig(), zerolog.Nop())
	tokenStore := tokens.Open(t.TempDir()+"/tokens.json", zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &testRelay{
		hub:      hub,
		registry: reg,
		handler:  relay.NewHandler(hub, tokenStore, zerolog.Nop()),
		addr:     ln.Addr().String(),
	}
	r.serve(ln)
	t.Cleanup(func() { _ = r.srv.Close() })
	return r
}

func (r *testRelay) serve(ln net.Listener) {
	r.srv = &http.Server{Handler: r.handler}
	go func() { _ = r.srv.Serve(ln) }()
}

// drop kills the listener and every open connection.
func (r *testRelay) drop(t *testing.T) {
	t.Helper()
	require.NoError(t, r.srv.Close())
}

// restart rebinds the same address.
func (r *testRelay) restart(t *testing.T) {
	t.Helper()
	var ln net.Listener
	require.Eventually(t, func() bool {
		l, err := net.Listen("tcp", r.addr)
		if err != nil {
			return false
		}
		ln = l
		return true
	}, 2*time.Second, 10*time.Millisecond)
	r.serve(ln)
}

func (r *testRelay) roomStateVector(t *testing.T, room string) []byte {
	t.Helper()
	doc, err := r.registry.Get(context.Background(), room)
	require.NoError(t, err)
	return doc.StateVector()
}

func newTestSession(t *testing.T, r *testRelay, room string) *Session {
	t.Helper()
	s, err := New(Options{
		URL:            "ws://" + r.addr + "/",
		Room:           room,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestBackoffProgression(t *testing.T) {
	max := 30 * time.Second
	b := time.Second
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		b = nextBackoff(b, max)
		seen = append(seen, b)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, seen)
}

func TestOptionsValidation(t *testing.T) {
	_, err := New(Options{URL: "ws://x/", Token: "t", Room: "r"})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://x/"})
	assert.Error(t, err)
	_, err = New(Options{Room: "r"})
	assert.Error(t, err)
}

func TestClientPullsRelayStateAndPushesEdits(t *testing.T) {
	r := startRelay(t)

	// State that predates the client.
	seedDoc := crdt.New()
	seed, err := seedDoc.Change(func(d *automerge.Doc) error {
		return d.Path("team").Set(map[string]any{"teamName": "Night Owls"})
	})
	require.NoError(t, err)
	require.NoError(t, r.hub.ApplyLocal(context.Background(), "alpha", seed))

	s := newTestSession(t, r, "alpha")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Connect(ctx) }()

	// Handshake brings the client current.
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(r.roomStateVector(t, "alpha"), s.Doc().StateVector())
	}, 2*time.Second, 10*time.Millisecond)

	// A local edit reaches the relay document.
	require.NoError(t, s.Change(func(d *automerge.Doc) error {
		return d.Path("note").Set("pushed")
	}))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(s.Doc().StateVector(), r.roomStateVector(t, "alpha"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineEditsFlowThroughReconnectHandshake(t *testing.T) {
	r := startRelay(t)

	s := newTestSession(t, r, "alpha")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Connect(ctx) }()

	assert.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)

	// Sever every connection, edit while offline, then bring the relay
	// back on the same address.
	r.drop(t)
	assert.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Change(func(d *automerge.Doc) error {
		return d.Path("offline").Set("edit")
	}))
	r.restart(t)

	assert.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)
	// The reconnect handshake carries the offline edit to the relay.
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(s.Doc().StateVector(), r.roomStateVector(t, "alpha"))
	}, 5*time.Second, 10*time.Millisecond)
}
