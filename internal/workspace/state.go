package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/pubsub"
)

// Phase is the finite set of workspace phases (spec §3).
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhasePlanning        Phase = "planning"
	PhaseExecuting       Phase = "executing"
	PhaseCheckpointFix   Phase = "checkpoint_fix"
	PhaseNeedsAttention  Phase = "needs_attention"
)

// AgentError is one entry in the recent-errors list carried in state.json.
type AgentError struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the single document of workspace truth (spec §3, state.json).
type State struct {
	Phase        Phase             `json:"phase"`
	AgentClaims  map[string]string `json:"agentClaims"`
	WorkerState  map[string]any    `json:"workerState,omitempty"`
	RecentErrors []AgentError      `json:"recentErrors,omitempty"`
}

// defaultState returns the zero-valued default used when state.json is
// missing or unparseable.
func defaultState() *State {
	return &State{
		Phase:       PhaseIdle,
		AgentClaims: map[string]string{},
	}
}

// Store is the Workspace Store (spec §4.1): the single filesystem-backed
// state that the core and collaborators read and write.
type Store struct {
	root string

	mu sync.Mutex // serializes state.json writes from this process

	triggerMu sync.Mutex
	offsets   map[string]int64 // trigger file -> last-read byte offset
	partial   map[string][]byte // trigger file -> unterminated tail bytes held across reads

	syncBroker *pubsub.Broker[SyncEvent]
}

// New creates a Store rooted at the given workspace directory, creating the
// standard subdirectories (triggers/, sync/, queue/) if absent.
func New(root string) (*Store, error) {
	for _, d := range []string{"triggers", "sync", "queue"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Store{
		root:       root,
		offsets:    make(map[string]int64),
		partial:    make(map[string][]byte),
		syncBroker: pubsub.NewBroker[SyncEvent](),
	}, nil
}

func (s *Store) statePath() string { return filepath.Join(s.root, "state.json") }

// QueueDir returns the workspace's durable-queue directory (spec §6:
// "queue/ optional MCP-style durable message store").
func (s *Store) QueueDir() string { return filepath.Join(s.root, "queue") }

// ReadState returns the current state document, or a zero-valued default if
// the file is missing or unparseable. A corrupt file is backed up to
// state.json.corrupt.<unix-ts> and replaced by defaults on the next write.
func (s *Store) ReadState() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return defaultState(), nil
		}
		return nil, fmt.Errorf("%w: reading state.json: %v", errs.ErrStateIO, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn(log.CatWorkspace, "state.json corrupt, backing up and using defaults", "error", err.Error())
		backup := fmt.Sprintf("%s.corrupt.%d", s.statePath(), time.Now().Unix())
		_ = os.WriteFile(backup, data, 0o644)
		return defaultState(), nil
	}
	if st.AgentClaims == nil {
		st.AgentClaims = map[string]string{}
	}
	return &st, nil
}

// WriteState atomically replaces state.json (temp-file + rename). Callers
// must not retry silently on failure; the error is surfaced as-is.
func (s *Store) WriteState(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling state: %v", errs.ErrStateIO, err)
	}
	if err := atomicWriteFile(s.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStateIO, err)
	}
	return nil
}
