package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

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

func (f *fakeActivity) set(paneID string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[paneID] = t
}

type fakeTriggers struct {
	mu      sync.Mutex
	appends []string // role
}

func (f *fakeTriggers) AppendTrigger(role, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, role)
	return nil
}

func (f *fakeTriggers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

type fakeControl struct {
	mu          sync.Mutex
	interrupted []string
	restarted   []string
}

func (f *fakeControl) Interrupt(paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, paneID)
	return nil
}

func (f *fakeControl) Restart(paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, paneID)
	return nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlerts) Alert(paneID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, paneID+":"+reason)
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// TestFullStuckEscalation mirrors spec §8 scenario S6: a pane idle for 90s
// climbs the entire ladder, one tick per level, then stops re-alerting.
func TestFullStuckEscalation(t *testing.T) {
	activity := newFakeActivity()
	triggers := &fakeTriggers{}
	control := &fakeControl{}
	alerts := &fakeAlerts{}

	s := New(activity, triggers, control, alerts)
	s.RegisterPane("pane-4", "IMPLEMENTER_B", false)

	t0 := time.Now()
	activity.set("pane-4", t0)

	// 90s idle: L0 nudge.
	s.Tick(t0.Add(90 * time.Second))
	require.Equal(t, 1, triggers.count())

	// 30s later, still no output: L1 nudge.
	s.Tick(t0.Add(90 * time.Second).Add(31 * time.Second))
	require.Equal(t, 2, triggers.count())

	// Next tick still stuck: L2 interrupt.
	s.Tick(t0.Add(90 * time.Second).Add(62 * time.Second))
	require.Equal(t, 1, len(control.interrupted))

	// Still stuck: L3 restart.
	s.Tick(t0.Add(90 * time.Second).Add(93 * time.Second))
	require.Equal(t, 1, len(control.restarted))

	// Still no output after restart: L4 alert.
	s.Tick(t0.Add(90 * time.Second).Add(124 * time.Second))
	require.Equal(t, 1, alerts.count())

	// Further ticks do not re-alert while the episode remains open.
	s.Tick(t0.Add(90 * time.Second).Add(155 * time.Second))
	require.Equal(t, 1, alerts.count())
}

// TestEpisodeClearsOnOutput mirrors spec §8 invariant 7: output after the
// last nudge (respecting the grace window) resets nudgeAttempts to 0.
func TestEpisodeClearsOnOutput(t *testing.T) {
	activity := newFakeActivity()
	triggers := &fakeTriggers{}
	control := &fakeControl{}
	alerts := &fakeAlerts{}

	s := New(activity, triggers, control, alerts)
	s.RegisterPane("pane-1", "REVIEWER", false)

	t0 := time.Now()
	activity.set("pane-1", t0)

	s.Tick(t0.Add(90 * time.Second)) // L0 nudge
	require.Equal(t, 1, triggers.count())

	s.mu.Lock()
	e := s.panes["pane-1"]
	nudgedAt := e.lastNudgeAt
	s.mu.Unlock()

	// Fresh output arrives comfortably past the 500ms grace window.
	activity.set("pane-1", nudgedAt.Add(2*time.Second))

	s.Tick(nudgedAt.Add(3 * time.Second))

	s.mu.Lock()
	attempts := s.panes["pane-1"].nudgeAttempts
	level := s.panes["pane-1"].level
	s.mu.Unlock()
	require.Equal(t, 0, attempts)
	require.Equal(t, LevelNone, level)
}

// TestNudgeBoundaryAtMaxAggressiveNudges mirrors spec §8's boundary
// behaviour: nudge count at MAX-1 still escalates (nudges again) on the
// next stuck evaluation; at exactly MAX the next level (interrupt) fires.
func TestNudgeBoundaryAtMaxAggressiveNudges(t *testing.T) {
	activity := newFakeActivity()
	triggers := &fakeTriggers{}
	control := &fakeControl{}
	alerts := &fakeAlerts{}

	s := New(activity, triggers, control, alerts)
	s.RegisterPane("pane-2", "IMPLEMENTER_A", false)

	t0 := time.Now()
	activity.set("pane-2", t0)

	s.Tick(t0.Add(90 * time.Second)) // nudgeAttempts 0 -> 1 (L0)
	s.mu.Lock()
	require.Equal(t, 1, s.panes["pane-2"].nudgeAttempts)
	s.mu.Unlock()

	s.Tick(t0.Add(90 * time.Second).Add(31 * time.Second)) // 1 < MAX(2) -> nudge again, now 2
	s.mu.Lock()
	require.Equal(t, MaxAggressiveNudges, s.panes["pane-2"].nudgeAttempts)
	require.Equal(t, LevelNudgeAgain, s.panes["pane-2"].level)
	s.mu.Unlock()

	// At exactly MaxAggressiveNudges, the next evaluation escalates past
	// nudging into interrupt rather than nudging a third time.
	s.Tick(t0.Add(90 * time.Second).Add(62 * time.Second))
	require.Equal(t, 2, triggers.count())
	require.Equal(t, 1, len(control.interrupted))
}
