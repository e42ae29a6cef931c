// Package supervisor implements the Heartbeat / Stuck-Recovery Supervisor
// (spec §4.6): a process-wide tick that detects unresponsive panes and
// escalates through nudge -> interrupt -> restart -> alert.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/telemetry"
)

// Tunables (spec §4.6).
const (
	DefaultHeartbeatInterval = 5 * time.Minute
	StuckThreshold           = 60 * time.Second
	AggressiveNudgeWait      = 30 * time.Second
	ResponseGrace            = 500 * time.Millisecond
	MaxAggressiveNudges      = 2
	MaxLeadNudges            = 2
)

// Level is the escalation ladder position for a stuck pane.
type Level int

const (
	LevelNone Level = iota
	LevelNudge
	LevelNudgeAgain
	LevelInterrupt
	LevelRestart
	LevelAlert
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelNudge:
		return "nudge"
	case LevelNudgeAgain:
		return "nudge_again"
	case LevelInterrupt:
		return "interrupt"
	case LevelRestart:
		return "restart"
	case LevelAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// ActivitySource exposes a pane's last output timestamp (spec §4.6:
// "compare now - lastActivity").
type ActivitySource interface {
	LastOutputTime(paneID string) (time.Time, bool)
}

// TriggerAppender is the narrow surface used to deliver L0/L1 nudges
// through the normal Router path (spec §4.6: "the Router delivers it like
// any other message").
type TriggerAppender interface {
	AppendTrigger(role, text string) error
}

// Controller issues L2/L3 actions directly against the Terminal Daemon.
type Controller interface {
	Interrupt(paneID string) error
	Restart(paneID string) error
}

// AlertSink receives L4 user-alert notifications.
type AlertSink interface {
	Alert(paneID, reason string)
}

type paneEntry struct {
	paneID string
	role   string
	isLead bool

	lastActivity  time.Time
	lastNudgeAt   time.Time
	nudgeAttempts int
	level         Level
	alerted       bool

	// forceStuck is set by MarkPotentiallyStuck when the Injection Pipeline
	// fails to verify a delivery: that failure is itself evidence of being
	// wedged, independent of how long the pane has otherwise been idle.
	forceStuck bool
}

// Supervisor is the Heartbeat / Stuck-Recovery Supervisor (spec §4.6).
type Supervisor struct {
	activity ActivitySource
	triggers TriggerAppender
	control  Controller
	alerts   AlertSink

	mu    sync.Mutex
	panes map[string]*paneEntry

	leadNudgeAttempts int
	lastLeadNudgeAt   time.Time

	// onStateChange, if set, is invoked whenever a pane's escalation level
	// changes (spec §6 heartbeat-state-changed), so App can republish it on
	// the Router's unified subscriber stream without this package importing
	// router.
	onStateChange func(paneID, role string, level Level)

	stop chan struct{}
}

// New constructs a Supervisor.
func New(activity ActivitySource, triggers TriggerAppender, control Controller, alerts AlertSink) *Supervisor {
	return &Supervisor{
		activity: activity,
		triggers: triggers,
		control:  control,
		alerts:   alerts,
		panes:    make(map[string]*paneEntry),
		stop:     make(chan struct{}),
	}
}

// SetOnStateChange attaches the heartbeat-state-changed forwarder. Optional;
// called after New, before Run.
func (s *Supervisor) SetOnStateChange(fn func(paneID, role string, level Level)) {
	s.onStateChange = fn
}

func (s *Supervisor) notifyStateChange(e *paneEntry) {
	if s.onStateChange != nil {
		s.onStateChange(e.paneID, e.role, e.level)
	}
}

// RegisterPane begins tracking a pane's liveness. isLead marks the
// designated lead pane for the lead-heartbeat fallback.
func (s *Supervisor) RegisterPane(paneID, role string, isLead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panes[paneID] = &paneEntry{paneID: paneID, role: role, isLead: isLead, lastActivity: time.Now()}
}

// Run starts the heartbeat loop at interval, ticking until Stop is called.
func (s *Supervisor) Run(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.Tick(now)
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (s *Supervisor) Stop() { close(s.stop) }

// Tick evaluates every registered pane once, applying episode clearing then
// escalation (spec §4.6).
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	entries := make([]*paneEntry, 0, len(s.panes))
	for _, e := range s.panes {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.evaluatePane(e, now)
	}
	s.evaluateLead(now)
}

func (s *Supervisor) evaluatePane(e *paneEntry, now time.Time) {
	if last, ok := s.activity.LastOutputTime(e.paneID); ok {
		e.lastActivity = last
	}

	if s.clearIfResponded(e, now) {
		return
	}

	if !s.isStuck(e, now) {
		return
	}

	s.escalate(e, now)
}

// clearIfResponded resets a pane's episode when fresh output arrived after
// its last nudge, respecting the 500ms grace window that keeps a nudge's
// own echo from being misread as a response (spec §4.6).
func (s *Supervisor) clearIfResponded(e *paneEntry, now time.Time) bool {
	if e.nudgeAttempts == 0 && e.level == LevelNone && !e.forceStuck {
		return false
	}
	if e.lastNudgeAt.IsZero() {
		return false
	}
	if e.lastActivity.After(e.lastNudgeAt.Add(ResponseGrace)) {
		log.Info(log.CatSupervisor, "stuck episode cleared", "paneId", e.paneID, "role", e.role)
		e.nudgeAttempts = 0
		e.level = LevelNone
		e.alerted = false
		e.forceStuck = false
		e.lastNudgeAt = time.Time{}
		s.notifyStateChange(e)
		return true
	}
	return false
}

// isStuck implements spec §4.6's stuck definition: idle past STUCK_THRESHOLD
// and no outstanding nudge still within its grace window. A pane flagged by
// MarkPotentiallyStuck short-circuits the idle-time check, since a failed
// delivery verification is direct evidence of being wedged.
func (s *Supervisor) isStuck(e *paneEntry, now time.Time) bool {
	if e.forceStuck {
		if !e.lastNudgeAt.IsZero() && now.Sub(e.lastNudgeAt) <= AggressiveNudgeWait {
			return false
		}
		return true
	}
	if now.Sub(e.lastActivity) <= StuckThreshold {
		return false
	}
	if !e.lastNudgeAt.IsZero() && now.Sub(e.lastNudgeAt) <= AggressiveNudgeWait {
		return false
	}
	return true
}

// MarkPotentiallyStuck satisfies injection.StuckNotifier: the Injection
// Pipeline calls this when a delivery's submission could not be verified,
// letting the Supervisor escalate without waiting out the full idle
// threshold. messageID is accepted for logging only; escalation state is
// tracked per-pane, not per-message.
func (s *Supervisor) MarkPotentiallyStuck(paneID, messageID string) {
	s.mu.Lock()
	e, ok := s.panes[paneID]
	if ok {
		e.forceStuck = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	log.Warn(log.CatSupervisor, "delivery verification failed, flagging pane as potentially stuck", "paneId", paneID, "messageId", messageID)
}

func (s *Supervisor) escalate(e *paneEntry, now time.Time) {
	_, span := telemetry.Tracer().Start(context.Background(), "supervisor.escalate")
	span.SetAttributes(attribute.String("paneId", e.paneID), attribute.String("role", e.role), attribute.Int("level", int(e.level)))
	defer span.End()

	switch {
	case e.nudgeAttempts == 0:
		s.nudge(e, now, LevelNudge)
	case e.nudgeAttempts < MaxAggressiveNudges:
		s.nudge(e, now, LevelNudgeAgain)
	case e.level < LevelInterrupt:
		s.interrupt(e, now)
	case e.level < LevelRestart:
		s.restart(e, now)
	case !e.alerted:
		s.alert(e)
	}
}

func (s *Supervisor) nudge(e *paneEntry, now time.Time, level Level) {
	if err := s.triggers.AppendTrigger(e.role, "(SYSTEM #0): (AGGRESSIVE_NUDGE)\n"); err != nil {
		log.ErrorErr(log.CatSupervisor, "nudge append failed", err, "paneId", e.paneID)
		return
	}
	e.nudgeAttempts++
	e.level = level
	e.lastNudgeAt = now
	s.notifyStateChange(e)
	log.Warn(log.CatSupervisor, "pane stuck, nudging", "paneId", e.paneID, "role", e.role, "level", int(level), "attempt", e.nudgeAttempts)
}

func (s *Supervisor) interrupt(e *paneEntry, now time.Time) {
	if err := s.control.Interrupt(e.paneID); err != nil {
		log.ErrorErr(log.CatSupervisor, "interrupt failed", err, "paneId", e.paneID)
		return
	}
	e.level = LevelInterrupt
	e.lastNudgeAt = now
	s.notifyStateChange(e)
	log.Warn(log.CatSupervisor, "pane still stuck, interrupting", "paneId", e.paneID, "role", e.role)
}

func (s *Supervisor) restart(e *paneEntry, now time.Time) {
	if err := s.control.Restart(e.paneID); err != nil {
		log.ErrorErr(log.CatSupervisor, "restart failed", err, "paneId", e.paneID)
		return
	}
	e.level = LevelRestart
	e.lastNudgeAt = now
	s.notifyStateChange(e)
	log.Warn(log.CatSupervisor, "pane still stuck, restarting", "paneId", e.paneID, "role", e.role)
}

func (s *Supervisor) alert(e *paneEntry) {
	e.level = LevelAlert
	e.alerted = true
	e.forceStuck = false
	s.notifyStateChange(e)
	if s.alerts != nil {
		s.alerts.Alert(e.paneID, "stuck_escalation_exhausted")
	}
	log.Error(log.CatSupervisor, "pane stuck past all recovery levels, alerting", "paneId", e.paneID, "role", e.role)
}
