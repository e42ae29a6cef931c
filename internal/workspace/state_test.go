package workspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	st, err := s.ReadState()
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, st.Phase)

	st.Phase = PhaseExecuting
	st.AgentClaims["ARCHITECT"] = "task-1"
	require.NoError(t, s.WriteState(st))

	got, err := s.ReadState()
	require.NoError(t, err)
	require.Equal(t, PhaseExecuting, got.Phase)
	require.Equal(t, "task-1", got.AgentClaims["ARCHITECT"])
}

func TestStateCorruptFileFallsBackToDefaults(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.statePath(), []byte("{not json"), 0o644))

	st, err := s.ReadState()
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, st.Phase)

	matches, _ := os.ReadDir(s.root)
	var foundBackup bool
	for _, m := range matches {
		if len(m.Name()) > len("state.json.corrupt.") && m.Name()[:len("state.json.corrupt.")] == "state.json.corrupt." {
			foundBackup = true
		}
	}
	require.True(t, foundBackup, "expected a corrupt-state backup file")
}
