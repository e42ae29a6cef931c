package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTriggerTailReadsOnlyNewContent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendTrigger("architect", "(ARCHITECT #1): hello\n"))
	lines, err := s.ReadTriggerTail("architect")
	require.NoError(t, err)
	require.Equal(t, []string{"(ARCHITECT #1): hello"}, lines)

	// Second read with no new content returns nothing.
	lines, err = s.ReadTriggerTail("architect")
	require.NoError(t, err)
	require.Empty(t, lines)

	require.NoError(t, s.AppendTrigger("architect", "(ARCHITECT #2): world\n"))
	lines, err = s.ReadTriggerTail("architect")
	require.NoError(t, err)
	require.Equal(t, []string{"(ARCHITECT #2): world"}, lines)
}

func TestTriggerPartialLineHeldUntilNewline(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendTrigger("all", "(ARCHITECT #1): partial"))
	lines, err := s.ReadTriggerTail("all")
	require.NoError(t, err)
	require.Empty(t, lines, "a line without a trailing newline must be held back")

	require.NoError(t, s.AppendTrigger("all", " line\n"))
	lines, err = s.ReadTriggerTail("all")
	require.NoError(t, err)
	require.Equal(t, []string{"(ARCHITECT #1): partial line"}, lines)
}

func TestTriggerCRLFAndLFParseIdentically(t *testing.T) {
	sCRLF := newTestStore(t)
	require.NoError(t, sCRLF.AppendTrigger("all", "(ARCHITECT #1): hi\r\n"))
	crlfLines, err := sCRLF.ReadTriggerTail("all")
	require.NoError(t, err)

	sLF := newTestStore(t)
	require.NoError(t, sLF.AppendTrigger("all", "(ARCHITECT #1): hi\n"))
	lfLines, err := sLF.ReadTriggerTail("all")
	require.NoError(t, err)

	require.Equal(t, lfLines, crlfLines)
}

func TestTriggerMultipleLinesInOneAppend(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendTrigger("all", "(ARCHITECT #1): one\n(ARCHITECT #2): two\n"))
	lines, err := s.ReadTriggerTail("all")
	require.NoError(t, err)
	require.Equal(t, []string{"(ARCHITECT #1): one", "(ARCHITECT #2): two"}, lines)
}
