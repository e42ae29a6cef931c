// Package app wires the coordination runtime's collaborators together:
// Workspace Store, Daemon Client, Injection Pipeline, Trigger & Sequence
// Router, and Heartbeat/Stuck-Recovery Supervisor (spec §9). The Pipeline
// needs the Supervisor as its StuckNotifier and the Supervisor needs the
// Client's activity feed and the Client as its Controller; neither
// package imports the other; App is where both concrete values exist and
// the interfaces are bound.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/anamnesos/hivemind/internal/config"
	"github.com/anamnesos/hivemind/internal/daemonclient"
	"github.com/anamnesos/hivemind/internal/injection"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/queuestore"
	"github.com/anamnesos/hivemind/internal/router"
	"github.com/anamnesos/hivemind/internal/supervisor"
	"github.com/anamnesos/hivemind/internal/workspace"
)

// App holds the constructed runtime, ready for Start.
type App struct {
	Store      *workspace.Store
	Client     *daemonclient.Client
	Activity   *daemonclient.ActivityTracker
	Pipeline   *injection.Pipeline
	Router     *router.Router
	Supervisor *supervisor.Supervisor
	QueueStore *queuestore.Store

	cfg    *config.Config
	roster *config.Roster

	stopSweep func()
}

// stateAlertSink records L4 user-alerts into state.json's recent-errors
// list (spec §3 AgentError) and republishes the same alert as a
// user-alert event on the Router's unified subscriber stream (spec §6),
// satisfying supervisor.AlertSink.
type stateAlertSink struct {
	store *workspace.Store
	rtr   *router.Router
}

func (a stateAlertSink) Alert(paneID, reason string) {
	st, err := a.store.ReadState()
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "alert: reading state failed", err, "paneId", paneID)
		return
	}
	st.RecentErrors = append(st.RecentErrors, workspace.AgentError{
		Role:      paneID,
		Message:   reason,
		Timestamp: time.Now(),
	})
	if err := a.store.WriteState(st); err != nil {
		log.ErrorErr(log.CatSupervisor, "alert: writing state failed", err, "paneId", paneID)
	}
	if a.rtr != nil {
		a.rtr.Publish(router.Event{Kind: router.EventUserAlert, PaneID: paneID, Recipient: paneID, Reason: reason})
	}
}

// New constructs every collaborator and binds the cross-package
// interfaces, without starting any background work yet.
func New(cfg *config.Config, roster *config.Roster) (*App, error) {
	store, err := workspace.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	client := daemonclient.New(daemonclient.Options{
		Endpoint:  cfg.DaemonEndpoint,
		Workspace: cfg.Workspace,
	})
	activity := daemonclient.NewActivityTracker()

	// alertSink is constructed before the Router exists (the Router depends
	// on the Pipeline, which depends on the Supervisor, which depends on
	// this) and wired to it below once rtr is available.
	alertSink := &stateAlertSink{store: store}
	sup := supervisor.New(activity, store, client, alertSink)
	pipeline := injection.New(client, activity, sup)

	bindings := make(map[string]router.RoleBinding, len(roster.Panes))
	for _, p := range roster.Panes {
		bindings[p.Role] = router.RoleBinding{PaneID: p.Role, Mode: p.Mode}
	}

	rtr := router.New(store, pipeline, bindings, roster.GatedRoles)
	alertSink.rtr = rtr
	sup.SetOnStateChange(func(paneID, role string, level supervisor.Level) {
		rtr.Publish(router.Event{Kind: router.EventHeartbeatStateChanged, PaneID: paneID, Recipient: role, State: level.String()})
	})

	// The durable queue/ mirror (spec §6) is optional: a sqlite-open
	// failure degrades to in-memory-only delivery tracking rather than
	// blocking runtime startup.
	qs, err := queuestore.Open(store.QueueDir())
	if err != nil {
		log.ErrorErr(log.CatQueue, "opening durable queue store failed, continuing without it", err)
		qs = nil
	} else {
		rtr.SetRecorder(qs)
	}

	return &App{
		Store:      store,
		Client:     client,
		Activity:   activity,
		Pipeline:   pipeline,
		Router:     rtr,
		Supervisor: sup,
		QueueStore: qs,
		cfg:        cfg,
		roster:     roster,
	}, nil
}

// Start connects to the daemon, spawns every roster pane, and begins the
// Router/Supervisor/sweeper background loops. Blocks only on the initial
// daemon connect; returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	if err := a.Client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	a.Activity.Watch(ctx, a.Client)
	a.watchPaneActivity(ctx)
	a.watchSync(ctx)

	for _, p := range a.roster.Panes {
		mode := injection.ModeInteractive
		if p.Mode == "exec" {
			mode = injection.ModeExec
		}
		a.Pipeline.RegisterPane(p.Role, mode)
		a.Supervisor.RegisterPane(p.Role, p.Role, p.Role == a.roster.Lead)

		if err := a.Client.Send(map[string]any{
			"cmd":     "spawn",
			"paneId":  p.Role,
			"role":    p.Role,
			"command": p.Command,
			"args":    p.Args,
			"cwd":     p.Cwd,
			"mode":    p.Mode,
			"cols":    80,
			"rows":    24,
		}); err != nil {
			return fmt.Errorf("spawning pane %s: %w", p.Role, err)
		}
	}

	a.stopSweep = a.Pipeline.StartSweeper()
	a.Supervisor.Run(a.cfg.HeartbeatInterval)

	if err := a.Router.Start(ctx); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}
	return nil
}

// watchPaneActivity forwards the Daemon Client's "activity" events onto the
// Router's unified subscriber stream (spec §6 pane-activity), until ctx is
// cancelled.
func (a *App) watchPaneActivity(ctx context.Context) {
	sub := a.Client.Subscribe(ctx)
	go func() {
		for ev := range sub {
			if ev.Payload.Event != "activity" {
				continue
			}
			state, _ := ev.Payload.Raw["state"].(string)
			a.Router.Publish(router.Event{Kind: router.EventPaneActivity, PaneID: ev.Payload.PaneID, State: state})
		}
	}()
}

// watchSync forwards Workspace Store sync-file-changed events onto the
// Router's unified subscriber stream (spec §6), until ctx is cancelled.
func (a *App) watchSync(ctx context.Context) {
	sub := a.Store.SubscribeSync(ctx)
	go func() {
		for ev := range sub {
			a.Router.Publish(router.Event{Kind: router.EventSyncFileChanged, File: ev.Payload.File, Detail: ev.Payload.Detail})
		}
	}()
}

// Stop halts the sweeper, supervisor, and router loops, and closes the
// durable queue store if one was opened.
func (a *App) Stop() {
	if a.stopSweep != nil {
		a.stopSweep()
	}
	a.Supervisor.Stop()
	a.Router.Stop()
	if a.QueueStore != nil {
		if err := a.QueueStore.Close(); err != nil {
			log.ErrorErr(log.CatQueue, "closing queue store failed", err)
		}
	}
}
