// Package daemon implements the Terminal Daemon (spec §4.2): a process
// separate from the UI host that owns N PTY sessions and exposes a local
// newline-delimited JSON IPC protocol, surviving UI host restarts.
package daemon

import "time"

// Mode is a pane's process model (spec §3 Pane.mode).
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeExec        Mode = "exec"
)

// ActivityState is the pane's coarse liveness classification (spec §3).
type ActivityState string

const (
	StateIdle      ActivityState = "idle"
	StateStarting  ActivityState = "starting"
	StateThinking  ActivityState = "thinking"
	StateStreaming ActivityState = "streaming"
	StateTool      ActivityState = "tool"
	StateCommand   ActivityState = "command"
	StateFile      ActivityState = "file"
	StateDone      ActivityState = "done"
	StateReady     ActivityState = "ready"
	StateError     ActivityState = "error"
)

// waitingIdleThreshold is how long a pane may produce no PTY output before
// its reported activity state is promoted from streaming to idle, grounded on
// the RUNNING->WAITING promotion in the GandalftheGUI-grove daemon example.
const waitingIdleThreshold = 2 * time.Second

// scrollbackMaxBytes bounds the in-memory scrollback ring replayed on attach.
const scrollbackMaxBytes = 1 << 20 // 1 MiB

// PaneInfo is the serializable snapshot of a pane returned by `list` and
// pushed with `spawned`/`restarted` events.
type PaneInfo struct {
	PaneID          string        `json:"paneId"`
	Role            string        `json:"role"`
	Command         string        `json:"command"`
	Mode            Mode          `json:"mode"`
	Cwd             string        `json:"cwd"`
	Alive           bool          `json:"alive"`
	SessionID       string        `json:"sessionId,omitempty"`
	PID             int           `json:"pid,omitempty"`
	LastOutputTime  time.Time     `json:"lastOutputTime,omitempty"`
	LastInputTime   time.Time     `json:"lastInputTime,omitempty"`
	LastActivity    time.Time     `json:"lastActivity,omitempty"`
	ActivityState   ActivityState `json:"activityState"`
}
