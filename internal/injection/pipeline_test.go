package injection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	writes   []string
	controls []byte
	execs    []string
	failWrite bool
}

func (f *fakeWriter) Write(paneID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeWriter) WriteControl(paneID string, b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, b)
	return nil
}

func (f *fakeWriter) RunExec(paneID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, string(data))
	return nil
}

type fakeActivity struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{last: make(map[string]time.Time)}
}

func (f *fakeActivity) LastOutputTime(paneID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.last[paneID]
	return t, ok
}

func (f *fakeActivity) touch(paneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[paneID] = time.Now()
}

type fakeStuckNotifier struct {
	mu     sync.Mutex
	marked []string
}

func (f *fakeStuckNotifier) MarkPotentiallyStuck(paneID, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, paneID+":"+messageID)
}

func TestEnqueueRejectsAtHighWaterMark(t *testing.T) {
	w := &fakeWriter{}
	act := newFakeActivity()
	p := New(w, act, nil)

	// A pane with no worker draining it: fill the FIFO to capacity and
	// confirm the next Enqueue fails fast with ErrQueueFull (spec §5).
	p.mu.Lock()
	p.queues["blocked-pane"] = make(chan Message, DefaultHighWaterMark)
	p.configs["blocked-pane"] = paneConfig{mode: ModeExec}
	p.mu.Unlock()

	for i := 0; i < DefaultHighWaterMark; i++ {
		msg := NewMessage("blocked-pane", "", "x", nil)
		require.NoError(t, p.Enqueue(msg))
	}

	overflow := NewMessage("blocked-pane", "", "overflow", nil)
	err := p.Enqueue(overflow)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrQueueFull))
}

func TestExecDeliverySucceedsImmediately(t *testing.T) {
	w := &fakeWriter{}
	act := newFakeActivity()
	p := New(w, act, nil)
	p.RegisterPane("exec-pane", ModeExec)

	done := make(chan Result, 1)
	msg := NewMessage("exec-pane", "", "do the thing", func(r Result) { done <- r })
	require.NoError(t, p.Enqueue(msg))

	select {
	case r := <-done:
		require.True(t, r.Success)
		require.True(t, r.Verified)
	case <-time.After(time.Second):
		t.Fatal("exec delivery never completed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, []string{"do the thing"}, w.execs)
}

func TestExecDeliveryPrependsIdentityPreambleOnce(t *testing.T) {
	w := &fakeWriter{}
	act := newFakeActivity()
	p := New(w, act, nil)
	p.RegisterPane("exec-pane", ModeExec)

	done := make(chan Result, 1)
	first := NewMessage("exec-pane", "builder", "do the thing", func(r Result) { done <- r })
	require.NoError(t, p.Enqueue(first))
	select {
	case r := <-done:
		require.True(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("first exec delivery never completed")
	}

	second := NewMessage("exec-pane", "builder", "do another thing", func(r Result) { done <- r })
	require.NoError(t, p.Enqueue(second))
	select {
	case r := <-done:
		require.True(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("second exec delivery never completed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, []string{
		"[You are builder.]\ndo the thing",
		"do another thing",
	}, w.execs)
}

func TestInteractiveDeliveryVerifiesOnFreshOutput(t *testing.T) {
	w := &fakeWriter{}
	act := newFakeActivity()
	act.touch("pane-1")
	stuck := &fakeStuckNotifier{}
	p := New(w, act, stuck)
	p.RegisterPane("pane-1", ModeInteractive)

	// Simulate the pane continuing to produce output while delivery is in
	// flight, so a touch eventually lands after the Enter submission and the
	// verify poll observes it as fresh.
	stopTouching := make(chan struct{})
	defer close(stopTouching)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTouching:
				return
			case <-ticker.C:
				act.touch("pane-1")
			}
		}
	}()

	done := make(chan Result, 1)
	msg := NewMessage("pane-1", "", "hello", func(r Result) { done <- r })
	require.NoError(t, p.Enqueue(msg))

	select {
	case r := <-done:
		require.True(t, r.Success)
		require.True(t, r.Verified)
	case <-time.After(2 * time.Second):
		t.Fatal("interactive delivery never completed")
	}

	require.Empty(t, stuck.marked)
}
