package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEntries(t *testing.T) {
	raw := json.RawMessage(`{
		"u1": {"metas": [{"phx_ref": "a", "username": "Alice"}]},
		"u2": {"metas": []}
	}`)

	got, err := decodeEntries(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got["u1"][0]["username"])

	empty, err := decodeEntries(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeEntries(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestSyncState(t *testing.T) {
	cur := Snapshot{}
	next := Snapshot{"u1": {{"phx_ref": "a"}}}

	cur, joined, left := syncState(cur, next)
	assert.True(t, joined)
	assert.False(t, left)

	_, joined, left = syncState(cur, Snapshot{"u2": {{"phx_ref": "b"}}})
	assert.True(t, joined)
	assert.True(t, left)

	_, joined, left = syncState(next, Snapshot{"u1": {{"phx_ref": "a"}}})
	assert.False(t, joined, "same refs are not a join")
	assert.False(t, left)
}

func TestSyncDiff(t *testing.T) {
	cur := Snapshot{}

	joined, left := syncDiff(cur, Snapshot{"u1": {{"phx_ref": "a", "username": "Alice"}}}, Snapshot{})
	assert.True(t, joined)
	assert.False(t, left)
	require.Len(t, cur["u1"], 1)

	// A re-track arrives as a join of the new ref and a leave of the old.
	syncDiff(cur,
		Snapshot{"u1": {{"phx_ref": "b", "username": "Alicia"}}},
		Snapshot{"u1": {{"phx_ref": "a"}}})
	require.Len(t, cur["u1"], 1)
	assert.Equal(t, "Alicia", cur["u1"][0]["username"])

	syncDiff(cur, Snapshot{}, Snapshot{"u1": {{"phx_ref": "b"}}})
	assert.NotContains(t, cur, "u1")
}

func TestSnapshotClone(t *testing.T) {
	orig := Snapshot{"u1": {{"username": "Alice"}}}
	clone := orig.Clone()
	clone["u1"][0]["username"] = "Mallory"
	assert.Equal(t, "Alice", orig["u1"][0]["username"])
}
