package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	body, mtime, err := s.ReadSync("shared_context.md")
	require.NoError(t, err)
	require.Empty(t, body)
	require.True(t, mtime.IsZero())

	_, err = s.WriteSync("shared_context.md", "line one\nline two\n")
	require.NoError(t, err)

	got, gotMtime, err := s.ReadSync("shared_context.md")
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", got)
	require.False(t, gotMtime.IsZero())
}

func TestSyncFileChangedPublishesLineDiffDetail(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.SubscribeSync(ctx)

	_, err := s.WriteSync("blockers.md", "first line\n")
	require.NoError(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, "blockers.md", ev.Payload.File)
		require.Equal(t, "+1 -0 lines", ev.Payload.Detail)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sync-file-changed event")
	}

	_, err = s.WriteSync("blockers.md", "first line\nsecond line\n")
	require.NoError(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, "+1 -0 lines", ev.Payload.Detail)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second sync-file-changed event")
	}
}

func TestSyncUnchangedBodyReportsUnchanged(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WriteSync("errors.md", "same\n")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.SubscribeSync(ctx)

	_, err = s.WriteSync("errors.md", "same\n")
	require.NoError(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, "unchanged", ev.Payload.Detail)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sync-file-changed event")
	}
}
