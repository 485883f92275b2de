package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ploy-markets/ploy/pkg/types"
)

func TestSaveAndLoadCheckpoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := OpenCheckpointStore(dir)
	require.NoError(t, err)

	cp := Checkpoint{
		TakenAt: time.Now(),
		Positions: map[string]types.Position{
			"tok-1": {TokenID: "tok-1", EventID: "evt-1", Size: types.PriceFromFloat(5)},
		},
	}

	require.NoError(t, s.Save(cp))

	loaded, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok, "expected checkpoint to exist")
	require.Equal(t, "evt-1", loaded.Positions["tok-1"].EventID)
}

func TestLoadCheckpointMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := OpenCheckpointStore(dir)
	require.NoError(t, err)

	_, ok, err := s.Load()
	require.NoError(t, err)
	require.False(t, ok, "expected no checkpoint for a fresh directory")
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := OpenCheckpointStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Checkpoint{Positions: map[string]types.Position{"a": {TokenID: "a"}}}))
	require.NoError(t, s.Save(Checkpoint{Positions: map[string]types.Position{"b": {TokenID: "b"}}}))

	loaded, _, err := s.Load()
	require.NoError(t, err)

	_, hasB := loaded.Positions["b"]
	_, hasA := loaded.Positions["a"]
	require.True(t, hasB, "expected latest save to win")
	require.False(t, hasA, "expected previous save to be fully replaced")
}
