package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/anamnesos/hivemind/internal/injection"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/pubsub"
	"github.com/anamnesos/hivemind/internal/queuestore"
	"github.com/anamnesos/hivemind/internal/telemetry"
	"github.com/anamnesos/hivemind/internal/workspace"
)

// pollInterval is the watcher's fallback poll cadence (spec §4.5: "a short
// polling interval (≤50ms)"); fsnotify events additionally wake a check
// immediately, this is the backstop for filesystems where events are
// coalesced or missed.
const pollInterval = 50 * time.Millisecond

// broadcastStagger is the minimum spacing between consecutive deliveries of
// one `all` broadcast (spec §5: "broadcasts stagger consecutive deliveries
// by ≥100ms to reduce thundering-herd focus stealing").
const broadcastStagger = 100 * time.Millisecond

// gatedPhases is the set of workspace phases in which gated-role delivery
// is allowed (spec §4.5 workflow gate).
var gatedPhases = map[workspace.Phase]bool{
	workspace.PhaseExecuting:      true,
	workspace.PhaseCheckpointFix:  true,
}

// RoleBinding maps a role to its pane and delivery mode.
type RoleBinding struct {
	PaneID string
	Mode   string // "interactive" | "exec", used only for metrics bucketing
}

// Injector is the narrow surface the Router needs from the Injection
// Pipeline.
type Injector interface {
	Enqueue(msg injection.Message) error
}

// Recorder durably mirrors resolved deliveries (spec §6 `queue/`), independent
// of the in-memory DeliveryTracker. Optional: a nil Recorder disables
// durable mirroring without affecting dispatch or dedup.
type Recorder interface {
	RecordDelivery(ctx context.Context, rec queuestore.DeliveryRecord) error
}

// EventKind enumerates the subscriber-facing events (spec §6). The Router's
// broker is the single stream for all six: trigger/delivery events it
// raises itself, plus pane-activity, sync-file-changed, user-alert, and
// heartbeat-state-changed events forwarded in by App from the Daemon
// Client, Workspace Store, and Supervisor respectively (none of those
// packages imports the Router; App, which already owns every concrete
// collaborator, republishes onto Router.broker via Publish).
type EventKind string

const (
	EventTriggerBlocked        EventKind = "trigger-blocked"
	EventDeliveryAck           EventKind = "delivery-ack"
	EventPaneActivity          EventKind = "pane-activity"
	EventSyncFileChanged       EventKind = "sync-file-changed"
	EventUserAlert             EventKind = "user-alert"
	EventHeartbeatStateChanged EventKind = "heartbeat-state-changed"
)

// Event is published to Router subscribers. Not every field is meaningful
// for every Kind; which fields are set is decided on the publishing side
// (dispatchTo, onInjectionResult, onTimeout, and the forwarders App wires
// from the other collaborators).
type Event struct {
	Kind       EventKind
	Sender     string
	Recipient  string
	PaneID     string
	DeliveryID string
	Success    bool
	Verified   bool
	Reason     string
	State      string // activity/heartbeat state name, for PaneActivity/HeartbeatStateChanged
	File       string // sync file name, for SyncFileChanged
	Detail     string // line-diff summary, for SyncFileChanged
}

// Publish lets App forward an event from a collaborator the Router has no
// direct dependency on (Daemon Client activity, Workspace Store sync,
// Supervisor escalation) onto the same subscriber stream as the Router's
// own trigger/delivery events (spec §6).
func (r *Router) Publish(ev Event) { r.broker.Publish(ev) }

// Router is the Trigger & Sequence Router (spec §4.5).
type Router struct {
	store    *workspace.Store
	injector Injector

	roster     map[string]RoleBinding // role -> binding
	gatedRoles map[string]bool

	tracker  *DeliveryTracker
	metrics  *Metrics
	broker   *pubsub.Broker[Event]
	recorder Recorder

	msMu sync.Mutex // serializes read-modify-write of message-state.json within this process

	stop chan struct{}
}

// New constructs a Router. gatedRoles names the (at most two) designated
// worker roles whose trigger delivery is gated on workspace phase.
func New(store *workspace.Store, injector Injector, roster map[string]RoleBinding, gatedRoles []string) *Router {
	r := &Router{
		store:      store,
		injector:   injector,
		roster:     roster,
		gatedRoles: make(map[string]bool, len(gatedRoles)),
		metrics:    NewMetrics(),
		broker:     pubsub.NewBroker[Event](),
		stop:       make(chan struct{}),
	}
	for _, role := range gatedRoles {
		r.gatedRoles[role] = true
	}
	r.tracker = NewDeliveryTracker(r.onTimeout)
	return r
}

// SetRecorder attaches a durable Recorder (spec §6 `queue/`). Optional;
// called after New, before Start, so every dispatch after Start is mirrored.
func (r *Router) SetRecorder(rec Recorder) { r.recorder = rec }

// Subscribe returns a channel of Router events.
func (r *Router) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return r.broker.Subscribe(ctx)
}

// Metrics exposes the rolling delivery ledger read-only.
func (r *Router) Metrics() *Metrics { return r.metrics }

// Start begins watching the triggers directory until ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating trigger watcher: %w", err)
	}
	if err := watcher.Add(r.store.TriggersDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watching triggers dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.checkAll()
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.checkAll()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.ErrorErr(log.CatRouter, "trigger watcher error", werr)
			}
		}
	}()
	return nil
}

// Stop halts the watcher loop.
func (r *Router) Stop() { close(r.stop) }

func (r *Router) checkAll() {
	roles := make([]string, 0, len(r.roster)+1)
	for role := range r.roster {
		roles = append(roles, role)
	}
	roles = append(roles, "all")

	for _, role := range roles {
		lines, err := r.store.ReadTriggerTail(role)
		if err != nil {
			log.ErrorErr(log.CatRouter, "reading trigger tail failed", err, "role", role)
			continue
		}
		for _, line := range lines {
			r.processLine(role, line)
		}
	}
}

func (r *Router) processLine(sourceFile, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	pm := parseLine(line)

	recipients := r.recipientsFor(sourceFile, pm.Sender)
	if len(recipients) == 0 {
		return
	}

	for i, recipient := range recipients {
		if i > 0 {
			time.Sleep(broadcastStagger)
		}
		r.dispatchTo(recipient, pm)
	}
}

// recipientsFor derives the recipient role(s) from the trigger filename
// (spec §4.5): a role-named file routes to that role only; `all` fans out
// to every other roster role, excluding the sender when known.
func (r *Router) recipientsFor(sourceFile, sender string) []string {
	if sourceFile != "all" {
		if _, ok := r.roster[sourceFile]; !ok {
			return nil
		}
		return []string{sourceFile}
	}
	out := make([]string, 0, len(r.roster))
	for role := range r.roster {
		if role == sender {
			continue
		}
		out = append(out, role)
	}
	return out
}

func (r *Router) dispatchTo(recipient string, pm ParsedMessage) {
	_, span := telemetry.Tracer().Start(context.Background(), "router.dispatch")
	span.SetAttributes(attribute.String("sender", pm.Sender), attribute.String("recipient", recipient), attribute.Int64("seq", pm.Seq))
	defer span.End()

	binding, ok := r.roster[recipient]
	if !ok {
		return
	}

	if r.gatedRoles[recipient] {
		st, err := r.store.ReadState()
		if err != nil {
			log.ErrorErr(log.CatRouter, "reading state for workflow gate failed", err)
			return
		}
		if !gatedPhases[st.Phase] {
			r.broker.Publish(Event{
				Kind:      EventTriggerBlocked,
				Sender:    pm.Sender,
				Recipient: recipient,
				Reason:    fmt.Sprintf("phase=%s", st.Phase),
			})
			log.Info(log.CatRouter, "trigger blocked by workflow gate", "sender", pm.Sender, "recipient", recipient, "phase", string(st.Phase))
			return
		}
	}

	if !pm.HasSeq {
		// Unsequenced (malformed) lines are forwarded verbatim; no dedup,
		// no DeliveryRecord, no lastSeen advancement (spec §4.5, §7
		// TriggerParseError).
		r.enqueue(recipient, binding, pm, "")
		return
	}

	if r.isDuplicate(pm.Sender, recipient, pm.Seq, pm.IsRestart) {
		r.metrics.record(MetricEvent{Kind: "skipped_duplicate", Mode: binding.Mode, PaneID: binding.PaneID, At: time.Now()})
		return
	}

	id := uuid.NewString()
	rec := &DeliveryRecord{
		ID:        id,
		Sender:    pm.Sender,
		Recipient: recipient,
		Seq:       pm.Seq,
		Mode:      binding.Mode,
		Body:      pm.Body,
		CreatedAt: time.Now(),
	}
	r.tracker.Track(rec)
	r.metrics.record(MetricEvent{Kind: "sent", Mode: binding.Mode, PaneID: binding.PaneID, At: rec.CreatedAt})

	r.enqueue(recipient, binding, pm, id)
}

func (r *Router) enqueue(recipient string, binding RoleBinding, pm ParsedMessage, deliveryID string) {
	body := fmt.Sprintf("(%s #%d): %s", pm.Sender, pm.Seq, pm.Body)
	if !pm.HasSeq {
		body = pm.Raw
	}
	msg := injection.NewMessage(binding.PaneID, recipient, body, func(res injection.Result) {
		r.onInjectionResult(deliveryID, binding, res)
	})
	if err := r.injector.Enqueue(msg); err != nil {
		log.ErrorErr(log.CatRouter, "enqueue to injection pipeline failed", err, "paneId", binding.PaneID)
		if deliveryID != "" {
			r.tracker.Ack(deliveryID, false)
			r.metrics.record(MetricEvent{Kind: "failed", Mode: binding.Mode, PaneID: binding.PaneID, At: time.Now()})
		}
	}
}

func (r *Router) onInjectionResult(deliveryID string, binding RoleBinding, res injection.Result) {
	if deliveryID == "" {
		return // unsequenced delivery; nothing to ack
	}
	rec, ok := r.tracker.Ack(deliveryID, res.Success)
	if !ok {
		return // already timed out
	}

	r.broker.Publish(Event{
		Kind:       EventDeliveryAck,
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		PaneID:     binding.PaneID,
		DeliveryID: deliveryID,
		Success:    res.Success,
		Verified:   res.Verified,
		Reason:     res.Reason,
	})

	if !res.Success {
		r.metrics.record(MetricEvent{Kind: "failed", Mode: binding.Mode, PaneID: binding.PaneID, At: time.Now()})
		log.Warn(log.CatRouter, "delivery failed, lastSeen not advanced", "sender", rec.Sender, "recipient", rec.Recipient, "seq", rec.Seq, "reason", res.Reason)
		r.mirror(rec, res.Success, res.Verified, res.Reason)
		return
	}

	// success=true advances lastSeen even when verified=false (spec §8 S3:
	// "Enter was sent" is the bar for advancement, not confirmed consumption).
	r.metrics.record(MetricEvent{
		Kind:      "delivered",
		Mode:      binding.Mode,
		PaneID:    binding.PaneID,
		At:        time.Now(),
		LatencyMS: time.Since(rec.CreatedAt).Milliseconds(),
	})
	if err := r.advanceLastSeen(rec.Sender, rec.Recipient, rec.Seq); err != nil {
		log.ErrorErr(log.CatRouter, "persisting lastSeen failed", err, "sender", rec.Sender, "recipient", rec.Recipient)
	}
	r.mirror(rec, res.Success, res.Verified, res.Reason)
}

func (r *Router) onTimeout(rec *DeliveryRecord) {
	r.metrics.record(MetricEvent{Kind: "timedOut", Mode: rec.Mode, At: time.Now()})
	r.broker.Publish(Event{
		Kind:       EventDeliveryAck,
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		DeliveryID: rec.ID,
		Success:    false,
		Reason:     "timeout",
	})
	r.mirror(rec, false, false, "timeout")
}

// mirror durably records a resolved delivery via the optional Recorder
// (spec §6 `queue/`). Best-effort: a mirror failure is logged, never
// propagated, since the in-memory dedup/advancement path has already
// resolved by the time this runs.
func (r *Router) mirror(rec *DeliveryRecord, success, verified bool, reason string) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordDelivery(context.Background(), queuestore.DeliveryRecord{
		DeliveryID: rec.ID,
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		Seq:        rec.Seq,
		Mode:       rec.Mode,
		Body:       rec.Body,
		Success:    success,
		Verified:   verified,
		Reason:     reason,
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: time.Now(),
	})
	if err != nil {
		log.ErrorErr(log.CatQueue, "mirroring delivery to queue store failed", err, "deliveryId", rec.ID)
	}
}

// isDuplicate applies the session-restart reset and duplicate-suppression
// rule (spec §4.5). It does not persist lastSeen for the accepted case;
// that only happens on ack (advanceLastSeen), per spec §4.5 ("partial
// failures never advance state").
func (r *Router) isDuplicate(sender, recipient string, seq int64, isRestart bool) bool {
	r.msMu.Lock()
	defer r.msMu.Unlock()

	ms, err := r.store.ReadMessageState()
	if err != nil {
		log.ErrorErr(log.CatRouter, "reading message-state failed", err)
		return false
	}
	rs := ms.Sequences[recipient]
	if rs == nil {
		rs = &workspace.RecipientSequences{LastSeen: map[string]int64{}}
	}
	if rs.LastSeen == nil {
		rs.LastSeen = map[string]int64{}
	}

	if isRestart {
		rs.LastSeen[sender] = 0
		ms.Sequences[recipient] = rs
		if err := r.store.WriteMessageState(ms); err != nil {
			log.ErrorErr(log.CatRouter, "persisting session-restart reset failed", err)
		}
	}

	return seq <= rs.LastSeen[sender]
}

func (r *Router) advanceLastSeen(sender, recipient string, seq int64) error {
	r.msMu.Lock()
	defer r.msMu.Unlock()

	ms, err := r.store.ReadMessageState()
	if err != nil {
		return err
	}
	rs := ms.Sequences[recipient]
	if rs == nil {
		rs = &workspace.RecipientSequences{LastSeen: map[string]int64{}}
	}
	if rs.LastSeen == nil {
		rs.LastSeen = map[string]int64{}
	}
	if seq > rs.LastSeen[sender] {
		rs.LastSeen[sender] = seq
	}
	ms.Sequences[recipient] = rs
	return r.store.WriteMessageState(ms)
}
