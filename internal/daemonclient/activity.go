package daemonclient

import (
	"context"
	"sync"
	"time"
)

// ActivityTracker maintains each pane's last-output timestamp by observing
// the client's demultiplexed event stream, satisfying both
// injection.ActivitySource and supervisor.ActivitySource without either
// package importing this one.
type ActivityTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewActivityTracker constructs an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{last: make(map[string]time.Time)}
}

// Touch records fresh output for paneID at the current time.
func (a *ActivityTracker) Touch(paneID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last[paneID] = time.Now()
}

// LastOutputTime reports the last time paneID produced output, if any.
func (a *ActivityTracker) LastOutputTime(paneID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.last[paneID]
	return t, ok
}

// Watch subscribes to c's event stream and touches the tracker on every
// "data" event, until ctx is cancelled.
func (a *ActivityTracker) Watch(ctx context.Context, c *Client) {
	sub := c.Subscribe(ctx)
	go func() {
		for ev := range sub {
			if ev.Payload.Event == "data" && ev.Payload.PaneID != "" {
				a.Touch(ev.Payload.PaneID)
			}
		}
	}()
}
