package crdt

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustChange(t *testing.T, d *Document, key string, value any) []byte {
	t.Helper()
	update, err := d.Change(func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	})
	require.NoError(t, err)
	require.NotEmpty(t, update)
	return update
}

func TestConvergenceAnyOrderAnyRepeats(t *testing.T) {
	author := New()
	u1 := mustChange(t, author, "a", "one")
	u2 := mustChange(t, author, "b", "two")

	r1 := New()
	require.NoError(t, r1.Merge(u1))
	require.NoError(t, r1.Merge(u2))

	r2 := New()
	require.NoError(t, r2.Merge(u2))
	require.NoError(t, r2.Merge(u1))
	require.NoError(t, r2.Merge(u1)) // repeat

	assert.Equal(t, r1.Save(), r2.Save())
	assert.Equal(t, r1.StateVector(), r2.StateVector())
}

func TestIdempotentMerge(t *testing.T) {
	author := New()
	u := mustChange(t, author, "x", int64(7))

	replica := New()
	require.NoError(t, replica.Merge(u))
	once := replica.Save()
	require.NoError(t, replica.Merge(u))
	assert.Equal(t, once, replica.Save())
}

func TestMergeEmptyUpdateIsNoop(t *testing.T) {
	d := New()
	var fired bool
	d.OnUpdate(func([]byte) { fired = true })
	require.NoError(t, d.Merge(nil))
	assert.False(t, fired)
}

func TestDiffBringsStaleReplicaCurrent(t *testing.T) {
	server := New()
	mustChange(t, server, "roster", map[string]any{"captain": "ada"})

	client := New()
	staleSV := client.StateVector()
	mustChange(t, server, "laps", "lap-1")

	diff, err := server.Diff(staleSV)
	require.NoError(t, err)
	require.NotEmpty(t, diff)
	require.NoError(t, client.Merge(diff))

	assert.Equal(t, server.StateVector(), client.StateVector())
}

func TestDiffForCurrentReplicaIsEmpty(t *testing.T) {
	server := New()
	u := mustChange(t, server, "k", "v")

	client := New()
	require.NoError(t, client.Merge(u))

	diff, err := server.Diff(client.StateVector())
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestDiffRejectsMisalignedStateVector(t *testing.T) {
	d := New()
	_, err := d.Diff([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUpdateListenerFiresSynchronously(t *testing.T) {
	author := New()
	u := mustChange(t, author, "k", "v")

	replica := New()
	var got [][]byte
	replica.OnUpdate(func(update []byte) { got = append(got, update) })
	require.NoError(t, replica.Merge(u))
	require.Len(t, got, 1)
	assert.Equal(t, u, got[0])
}

func TestTeamBootstrapAndSnapshot(t *testing.T) {
	team := TeamInfo{
		ID:        "t-1",
		EventID:   "endure-24",
		TeamName:  "Sore Losers",
		EditToken: "edit-token",
		ReadToken: "read-token",
		CreatedAt: 1750000000000,
	}
	update, err := TeamBootstrapUpdate(team)
	require.NoError(t, err)

	d := New()
	require.NoError(t, d.Merge(update))

	snap, err := d.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, team, snap.Team)
	assert.Empty(t, snap.Members)
	assert.Empty(t, snap.Laps)
}

func TestSnapshotOfEmptyDocument(t *testing.T) {
	snap, err := New().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, TeamInfo{}, snap.Team)
	assert.NotNil(t, snap.Members)
	assert.NotNil(t, snap.Laps)
}
