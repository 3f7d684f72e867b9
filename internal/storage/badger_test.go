package storage

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadSnapshotEmptyRoom(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadSnapshot(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendAndLoadPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("one")))
	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("two")))
	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("three")))

	got, err := s.LoadSnapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("onetwothree"), got)
}

func TestRoomsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("a")))
	require.NoError(t, s.AppendUpdate(ctx, "beta", []byte("b")))

	alpha, err := s.LoadSnapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), alpha)

	beta, err := s.LoadSnapshot(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), beta)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("one")))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.AppendUpdate(ctx, "alpha", []byte("two")))

	got, err := s.LoadSnapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("onetwo"), got)
}
