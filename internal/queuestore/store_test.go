package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesMigrations(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(`SELECT delivery_id FROM delivered_messages LIMIT 1`)
	require.NoError(t, err)
}

func TestRecordDeliveryRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	rec := DeliveryRecord{
		DeliveryID: "d1",
		Sender:     "ARCHITECT",
		Recipient:  "REVIEWER",
		Seq:        1,
		Mode:       "interactive",
		Body:       "status check",
		Success:    true,
		Verified:   true,
		CreatedAt:  now,
		ResolvedAt: now,
	}
	require.NoError(t, s.RecordDelivery(ctx, rec))

	got, err := s.RecentForRecipient(ctx, "REVIEWER", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "d1", got[0].DeliveryID)
	require.True(t, got[0].Success)
	require.True(t, got[0].Verified)
}

func TestRecordDeliveryUpsertOverwrites(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	rec := DeliveryRecord{
		DeliveryID: "d2",
		Sender:     "ARCHITECT",
		Recipient:  "REVIEWER",
		Seq:        2,
		Mode:       "interactive",
		Body:       "begin task",
		Success:    false,
		Reason:     "timeout",
		CreatedAt:  now,
		ResolvedAt: now,
	}
	require.NoError(t, s.RecordDelivery(ctx, rec))

	rec.Success = true
	rec.Verified = true
	rec.Reason = ""
	rec.ResolvedAt = now.Add(time.Second)
	require.NoError(t, s.RecordDelivery(ctx, rec))

	got, err := s.RecentForRecipient(ctx, "REVIEWER", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Success)
	require.Empty(t, got[0].Reason)
}

func TestRecentForRecipientOrdersNewestFirst(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		rec := DeliveryRecord{
			DeliveryID: id,
			Sender:     "ARCHITECT",
			Recipient:  "REVIEWER",
			Seq:        int64(i + 1),
			Mode:       "interactive",
			Success:    true,
			CreatedAt:  base,
			ResolvedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.RecordDelivery(ctx, rec))
	}

	got, err := s.RecentForRecipient(ctx, "REVIEWER", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "c", got[0].DeliveryID)
	require.Equal(t, "a", got[2].DeliveryID)
}
