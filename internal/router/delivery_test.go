package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliveryTrackerAckRemovesRecord(t *testing.T) {
	tracker := NewDeliveryTracker(nil)
	rec := &DeliveryRecord{ID: "d1", Sender: "ARCHITECT", Recipient: "LEAD", Seq: 1, CreatedAt: time.Now()}
	tracker.Track(rec)

	got, ok := tracker.Ack("d1", true)
	require.True(t, ok)
	require.Equal(t, rec, got)

	// A second ack for the same id finds nothing: it was already resolved.
	_, ok = tracker.Ack("d1", true)
	require.False(t, ok)
}

func TestDeliveryTrackerUnknownAckFails(t *testing.T) {
	tracker := NewDeliveryTracker(nil)
	_, ok := tracker.Ack("nonexistent", true)
	require.False(t, ok)
}

func TestDeliveryTrackerTimeoutFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var timedOut []string
	tracker := newDeliveryTracker(30*time.Millisecond, func(rec *DeliveryRecord) {
		mu.Lock()
		timedOut = append(timedOut, rec.ID)
		mu.Unlock()
	})

	rec := &DeliveryRecord{ID: "d2", Sender: "ARCHITECT", Recipient: "LEAD", Seq: 5, CreatedAt: time.Now()}
	tracker.Track(rec)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timedOut) == 1 && timedOut[0] == "d2"
	}, 2*time.Second, 10*time.Millisecond)

	// A late ack after timeout finds nothing left to resolve.
	_, ok := tracker.Ack("d2", true)
	require.False(t, ok)
}
