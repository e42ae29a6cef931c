package injection

import (
	"fmt"
	"sync"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
	"github.com/anamnesos/hivemind/internal/log"
)

// PaneMode mirrors daemon.Mode without an import, keeping the pipeline
// decoupled from the Terminal Daemon's package (the bridge between them is
// the PTYWriter this package is handed at construction).
type PaneMode string

const (
	ModeInteractive PaneMode = "interactive"
	ModeExec        PaneMode = "exec"
)

// PTYWriter is the narrow surface the pipeline needs from a Daemon Client:
// write raw bytes, write a single control byte, and (exec mode) run a
// payload through a fresh child.
type PTYWriter interface {
	Write(paneID string, data []byte) error
	WriteControl(paneID string, b byte) error
	RunExec(paneID string, data []byte) error
}

// ActivitySource exposes a pane's last-output timestamp, used to compute
// the adaptive Enter delay and to drive the verify loop and sweeper.
type ActivitySource interface {
	LastOutputTime(paneID string) (time.Time, bool)
}

// StuckNotifier is the Supervisor's opaque hook (spec §9 "cyclic
// ownership"): the pipeline calls it whenever an injection's verify loop
// exhausts without confirmation, letting the Supervisor track potentially
// stuck panes without the pipeline depending on the Supervisor package.
type StuckNotifier interface {
	MarkPotentiallyStuck(paneID, messageID string)
}

type paneConfig struct {
	mode PaneMode
}

// Pipeline is the Injection Pipeline (spec §4.4).
type Pipeline struct {
	writer   PTYWriter
	activity ActivitySource
	stuck    StuckNotifier

	mu      sync.Mutex
	queues  map[string]chan Message
	configs map[string]paneConfig

	identityInjected map[string]bool

	sweeperStop chan struct{}
	sweeperMu   sync.Mutex
	pendingUnverified map[string]*unverifiedRecord
}

type unverifiedRecord struct {
	paneID    string
	messageID string
	createdAt time.Time
}

// New constructs a Pipeline. Call RegisterPane before Enqueue for a pane.
func New(writer PTYWriter, activity ActivitySource, stuck StuckNotifier) *Pipeline {
	p := &Pipeline{
		writer:            writer,
		activity:          activity,
		stuck:             stuck,
		queues:            make(map[string]chan Message),
		configs:           make(map[string]paneConfig),
		identityInjected:  make(map[string]bool),
		pendingUnverified: make(map[string]*unverifiedRecord),
	}
	return p
}

// RegisterPane creates the pane's FIFO and starts its drain worker. The
// worker goroutine is itself the serialization point that replaces an
// injectionInFlight flag (spec §9 design note).
func (p *Pipeline) RegisterPane(paneID string, mode PaneMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queues[paneID]; exists {
		return
	}
	q := make(chan Message, DefaultHighWaterMark)
	p.queues[paneID] = q
	p.configs[paneID] = paneConfig{mode: mode}
	go p.drain(paneID, q)
}

// Enqueue is the pipeline's only public write operation (spec §4.4). It
// fails fast with ErrQueueFull once the pane's FIFO is at its high-water
// mark; it does not block.
func (p *Pipeline) Enqueue(msg Message) error {
	p.mu.Lock()
	q, ok := p.queues[msg.PaneID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pane %s not registered", msg.PaneID)
	}

	select {
	case q <- msg:
		return nil
	default:
		return fmt.Errorf("%w: pane %s", errs.ErrQueueFull, msg.PaneID)
	}
}

func (p *Pipeline) drain(paneID string, q chan Message) {
	for msg := range q {
		p.mu.Lock()
		cfg := p.configs[paneID]
		p.mu.Unlock()

		var result Result
		if cfg.mode == ModeExec {
			result = p.deliverExec(msg)
		} else {
			result = p.deliverInteractive(msg)
		}

		if msg.OnComplete != nil {
			msg.OnComplete(result)
		}
	}
}

// identityPreamble returns the one-time role-identity text prepended to the
// first exec-mode message per pane (spec §4.4). A message with no role (the
// Supervisor's own nudges, for instance) never consumes the one-time slot,
// so the first role-bearing message still gets the preamble.
func (p *Pipeline) identityPreamble(paneID, role string) string {
	if role == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identityInjected[paneID] {
		return ""
	}
	p.identityInjected[paneID] = true
	return fmt.Sprintf("[You are %s.]\n", role)
}

func (p *Pipeline) deliverExec(msg Message) Result {
	body := p.identityPreamble(msg.PaneID, msg.Role) + msg.Body
	if err := p.writer.RunExec(msg.PaneID, []byte(body)); err != nil {
		log.ErrorErr(log.CatInjection, "exec delivery failed", err, "paneId", msg.PaneID)
		return Result{Success: false, Reason: "pty_write_failed", Err: fmt.Errorf("%w: %v", errs.ErrPtyWriteFailed, err)}
	}
	return Result{Success: true, Verified: true}
}
