package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/anamnesos/hivemind/internal/log"
)

// pane owns at most one PTY child (interactive mode) or spawns a fresh
// child per write (exec mode). Grounded on the PTY-owning Instance in
// other_examples/3e5089af_GandalftheGUI-grove__internal-daemon-instance.go.go,
// generalized to also cover spec's exec-style mode.
type pane struct {
	id      string
	role    string
	command string
	args    []string
	cwd     string
	mode    Mode

	mu             sync.Mutex
	alive          bool
	sessionID      string
	pid            int
	ptm            *os.File // set only in interactive mode while the child lives
	cmd            *exec.Cmd
	scrollback     []byte
	lastOutputTime time.Time
	lastInputTime  time.Time
	activityState  ActivityState
	killed         bool

	cols, rows int

	// onData is invoked with every chunk of child output, for forwarding to
	// subscribed clients and feeding the Router/Supervisor activity feeds.
	onData func(paneID string, chunk []byte)
	// onExit is invoked when the child process exits.
	onExit func(paneID string, code int, crashed bool)
	// onActivity is invoked whenever activityState transitions, so
	// subscribers learn of codex-style state changes (starting, thinking,
	// streaming, idle, ...) as they happen rather than only on the next
	// snapshot request (spec §4.2).
	onActivity func(paneID string, state ActivityState)
}

// setActivityState updates activityState and fires onActivity if it
// actually changed. Callers must not hold p.mu.
func (p *pane) setActivityState(state ActivityState) {
	p.mu.Lock()
	changed := p.activityState != state
	p.activityState = state
	p.mu.Unlock()
	if changed && p.onActivity != nil {
		p.onActivity(p.id, state)
	}
}

// checkIdlePromotion promotes a streaming pane to idle once the PTY has
// been silent past waitingIdleThreshold, and fires onActivity if that
// promotion actually happens. Called periodically by the server so the
// idle transition is observed in real time rather than only lazily, the
// next time something calls info() (spec §4.2).
func (p *pane) checkIdlePromotion() {
	p.mu.Lock()
	promote := p.activityState == StateStreaming && !p.lastOutputTime.IsZero() &&
		time.Since(p.lastOutputTime) > waitingIdleThreshold
	if promote {
		p.activityState = StateIdle
	}
	p.mu.Unlock()
	if promote && p.onActivity != nil {
		p.onActivity(p.id, StateIdle)
	}
}

func newPane(id, role, command string, args []string, cwd string, mode Mode) *pane {
	return &pane{
		id:            id,
		role:          role,
		command:       command,
		args:          args,
		cwd:           cwd,
		mode:          mode,
		activityState: StateStarting,
		cols:          80,
		rows:          24,
	}
}

// info returns a serializable snapshot, promoting activityState toward
// StateIdle when the PTY has been silent past waitingIdleThreshold (idiom
// grounded on the teacher-adjacent Instance.Info() idle promotion).
func (p *pane) info() PaneInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.activityState
	if state == StateStreaming && !p.lastOutputTime.IsZero() &&
		time.Since(p.lastOutputTime) > waitingIdleThreshold {
		state = StateIdle
	}

	return PaneInfo{
		PaneID:         p.id,
		Role:           p.role,
		Command:        p.command,
		Mode:           p.mode,
		Cwd:            p.cwd,
		Alive:          p.alive,
		SessionID:      p.sessionID,
		PID:            p.pid,
		LastOutputTime: p.lastOutputTime,
		LastInputTime:  p.lastInputTime,
		ActivityState:  state,
	}
}

// startInteractive allocates a PTY and starts the child inside it
// (interactive mode: the child stays alive until killed).
func (p *pane) startInteractive(resumeSessionID string) error {
	args := append([]string{}, p.args...)
	cmd := exec.Command(p.command, args...)
	cmd.Dir = p.cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	// pty.Start calls Setsid on the child, making it its own session and
	// process group leader (pgid == pid). Do not also call Setpgid: doing
	// so after setsid on the session leader returns EPERM on some
	// platforms. The session group alone gives destroy() kill(-pgid,...)
	// semantics.
	ptm, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty.Start: %w", err)
	}
	_ = pty.Setsize(ptm, &pty.Winsize{Cols: uint16(p.cols), Rows: uint16(p.rows)})

	p.mu.Lock()
	p.ptm = ptm
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.alive = true
	p.killed = false
	changed := p.activityState != StateStreaming
	p.activityState = StateStreaming
	p.sessionID = resumeSessionID
	p.mu.Unlock()
	if changed && p.onActivity != nil {
		p.onActivity(p.id, StateStreaming)
	}

	go p.readLoop(ptm, cmd)
	return nil
}

// readLoop drains PTY master output, updates scrollback and activity
// timestamps, and forwards chunks to subscribers until the child exits.
func (p *pane) readLoop(ptm *os.File, cmd *exec.Cmd) {
	buf := make([]byte, 4096)
	for {
		n, err := ptm.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			p.mu.Lock()
			p.scrollback = append(p.scrollback, chunk...)
			if len(p.scrollback) > scrollbackMaxBytes {
				p.scrollback = p.scrollback[len(p.scrollback)-scrollbackMaxBytes:]
			}
			p.lastOutputTime = time.Now()
			stateChanged := p.activityState != StateStreaming
			p.activityState = StateStreaming
			p.mu.Unlock()
			if stateChanged && p.onActivity != nil {
				p.onActivity(p.id, StateStreaming)
			}

			if p.onData != nil {
				p.onData(p.id, chunk)
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	p.mu.Lock()
	_ = ptm.Close()
	if p.ptm != ptm {
		// A restart already replaced this child; its exit is not the pane's.
		p.mu.Unlock()
		return
	}
	p.ptm = nil
	p.alive = false
	crashed := waitErr != nil && !p.killed
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	p.activityState = StateDone
	p.mu.Unlock()
	if p.onActivity != nil {
		p.onActivity(p.id, StateDone)
	}

	log.Info(log.CatDaemon, "pane child exited", "paneId", p.id, "code", code, "crashed", crashed)
	if p.onExit != nil {
		p.onExit(p.id, code, crashed)
	}
}

// write sends raw bytes to the PTY master. Interactive mode only.
func (p *pane) write(data []byte) error {
	p.mu.Lock()
	ptm := p.ptm
	if ptm != nil {
		p.lastInputTime = time.Now()
	}
	p.mu.Unlock()
	if ptm == nil {
		return fmt.Errorf("pane %s has no live pty", p.id)
	}
	_, err := ptm.Write(data)
	return err
}

// writeControl writes a single control byte (e.g. 0x15 Ctrl-U, 0x03 Ctrl-C)
// to the PTY; like write, it returns an error when there is no live pty.
func (p *pane) writeControl(b byte) error {
	return p.write([]byte{b})
}

// resize changes the PTY window size.
func (p *pane) resize(cols, rows int) error {
	p.mu.Lock()
	ptm := p.ptm
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	if ptm == nil {
		return nil
	}
	return pty.Setsize(ptm, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// destroy kills the child and its process group (interactive mode).
func (p *pane) destroy() {
	p.mu.Lock()
	pid := p.pid
	p.killed = true
	p.mu.Unlock()

	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// replayScrollback returns a copy of the current scrollback ring, for
// replay to a newly-attaching client before live events (spec §4.2).
func (p *pane) replayScrollback() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.scrollback))
	copy(out, p.scrollback)
	return out
}

// runExec spawns a fresh child for one message (exec mode, spec §4.4/§4.2
// `write` semantics): pipes payload to stdin, closes it, streams stdout as
// data events until the child exits, then reports completion.
func (p *pane) runExec(payload []byte) error {
	args := append([]string{}, p.args...)
	p.mu.Lock()
	if p.sessionID != "" {
		args = append(args, "--resume", p.sessionID)
	}
	p.mu.Unlock()

	cmd := exec.Command(p.command, args...)
	cmd.Dir = p.cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting exec child: %w", err)
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.alive = true
	p.activityState = StateThinking
	p.mu.Unlock()
	if p.onActivity != nil {
		p.onActivity(p.id, StateThinking)
	}

	if _, err := stdin.Write(payload); err != nil {
		log.Warn(log.CatDaemon, "exec pane stdin write failed", "paneId", p.id, "error", err.Error())
	}
	_ = stdin.Close()

	buf := make([]byte, 4096)
	var sawSessionID string
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			p.mu.Lock()
			p.lastOutputTime = time.Now()
			execStateChanged := p.activityState != StateStreaming
			p.activityState = StateStreaming
			p.mu.Unlock()
			if execStateChanged && p.onActivity != nil {
				p.onActivity(p.id, StateStreaming)
			}
			if id := extractSessionID(chunk); id != "" {
				sawSessionID = id
			}
			if p.onData != nil {
				p.onData(p.id, chunk)
			}
		}
		if rerr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.alive = false
	p.activityState = StateDone
	if sawSessionID != "" {
		p.sessionID = sawSessionID
	}
	p.mu.Unlock()
	if p.onActivity != nil {
		p.onActivity(p.id, StateDone)
	}

	if p.onExit != nil {
		p.onExit(p.id, code, waitErr != nil)
	}
	return nil
}

// extractSessionID is a best-effort scrape of a child's self-reported
// session id from its output stream. The wire format of any given CLI is
// opaque (spec §1 non-goal); an unparseable id is treated as absent.
func extractSessionID(chunk []byte) string {
	const marker = "session_id="
	s := string(chunk)
	idx := indexOf(s, marker)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(marker):]
	end := len(rest)
	for i, c := range rest {
		if c == '\n' || c == ' ' || c == '\r' {
			end = i
			break
		}
	}
	id := rest[:end]
	if id == "" {
		return ""
	}
	// A session id that doesn't even look like a UUID is still accepted
	// verbatim: the wire format is CLI-specific and opaque (spec §1).
	// uuid.Parse is used only to annotate well-formed ids in logs.
	if _, err := uuid.Parse(id); err == nil {
		log.Debug(log.CatDaemon, "captured child session id", "sessionId", id)
	}
	return id
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
