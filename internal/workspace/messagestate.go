package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
)

// RecipientSequences is one recipient's view of sequence tracking (spec §3
// Message-state store).
type RecipientSequences struct {
	Outbound int64           `json:"outbound"`
	LastSeen map[string]int64 `json:"lastSeen"`
}

// MessageState is the persisted document backing message-state.json. It is
// single-writer (the Router); readers may be multiple.
type MessageState struct {
	Sequences map[string]*RecipientSequences `json:"sequences"`
	UpdatedAt time.Time                      `json:"updatedAt"`
}

func (s *Store) messageStatePath() string {
	return filepath.Join(s.root, "message-state.json")
}

// messageStateMu guards concurrent writers within this process. The Router
// is documented as the sole writer (spec §4.1 invariant c); this mutex
// protects against accidental concurrent calls within one Router instance
// (e.g. handling two trigger files' tails at once).
var messageStateMu sync.Mutex

// ReadMessageState returns the current message-state document, or an empty
// one if absent.
func (s *Store) ReadMessageState() (*MessageState, error) {
	data, err := os.ReadFile(s.messageStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &MessageState{Sequences: map[string]*RecipientSequences{}}, nil
		}
		return nil, fmt.Errorf("%w: reading message-state.json: %v", errs.ErrStateIO, err)
	}
	var ms MessageState
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("%w: parsing message-state.json: %v", errs.ErrStateIO, err)
	}
	if ms.Sequences == nil {
		ms.Sequences = map[string]*RecipientSequences{}
	}
	return &ms, nil
}

// WriteMessageState atomically persists the message-state document.
func (s *Store) WriteMessageState(ms *MessageState) error {
	messageStateMu.Lock()
	defer messageStateMu.Unlock()

	ms.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(ms, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling message-state: %v", errs.ErrStateIO, err)
	}
	if err := atomicWriteFile(s.messageStatePath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStateIO, err)
	}
	return nil
}

// PaneSessionState is one pane's persisted exec-mode session binding (spec
// §3 session-state.json).
type PaneSessionState struct {
	SessionID string    `json:"sessionId"`
	Mode      string    `json:"mode"`
	LastSeen  time.Time `json:"lastSeen"`
}

// SessionState is the full session-state.json document: paneId -> binding.
type SessionState map[string]PaneSessionState

func (s *Store) sessionStatePath() string {
	return filepath.Join(s.root, "session-state.json")
}

// ReadSessionState returns the persisted per-pane session bindings.
func (s *Store) ReadSessionState() (SessionState, error) {
	data, err := os.ReadFile(s.sessionStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return SessionState{}, nil
		}
		return nil, fmt.Errorf("%w: reading session-state.json: %v", errs.ErrStateIO, err)
	}
	var ss SessionState
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("%w: parsing session-state.json: %v", errs.ErrStateIO, err)
	}
	return ss, nil
}

// WriteSessionState atomically persists per-pane session bindings.
func (s *Store) WriteSessionState(ss SessionState) error {
	data, err := json.MarshalIndent(ss, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling session-state: %v", errs.ErrStateIO, err)
	}
	if err := atomicWriteFile(s.sessionStatePath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStateIO, err)
	}
	return nil
}
