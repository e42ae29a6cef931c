// Package injection implements the Injection Pipeline (spec §4.4): a
// per-pane FIFO that writes messages into a pane's PTY and confirms
// submission, with adaptive delay, verify-and-retry, and a stuck-message
// sweeper.
//
// Per spec §9's design note, the per-pane worker task IS the serialization
// point: rather than an injectionInFlight flag guarding ad hoc callers, each
// pane owns one goroutine draining a bounded channel, grounded on the
// teacher's pool.Worker processEvents loop
// (zjrosen-perles/internal/orchestration/pool/worker.go) and its
// queue.MessageQueue FIFO (zjrosen-perles/internal/orchestration/queue/queue.go).
package injection

import (
	"time"

	"github.com/google/uuid"
)

// DefaultHighWaterMark is the per-pane queue capacity (spec §5: "reference:
// 100 messages").
const DefaultHighWaterMark = 100

// Message is one request to deliver text to a pane.
type Message struct {
	ID         string
	PaneID     string
	Role       string // pane's role name, used for the exec-mode identity preamble (spec §4.4)
	Body       string
	EnqueuedAt time.Time
	OnComplete func(Result)
}

// Result is what the pipeline reports back to the caller (spec §4.4, §7).
type Result struct {
	Success  bool
	Verified bool
	Reason   string
	Err      error
}

// NewMessage constructs a Message with a generated id and enqueue timestamp.
// role is the pane's role name, carried through for the exec-mode identity
// preamble (spec §4.4); pass "" for callers (e.g. the Supervisor's own
// nudge text) that have no meaningful role to attach.
func NewMessage(paneID, role, body string, onComplete func(Result)) Message {
	return Message{
		ID:         uuid.NewString(),
		PaneID:     paneID,
		Role:       role,
		Body:       body,
		EnqueuedAt: time.Now(),
		OnComplete: onComplete,
	}
}
