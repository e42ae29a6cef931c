package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/telemetry"
)

// Server is the Terminal Daemon process (spec §4.2): it owns N PTY sessions
// and exposes them over a local newline-delimited JSON IPC endpoint,
// surviving UI host restarts. Only `shutdown` or process death closes
// owned PTYs; client disconnects never do.
type Server struct {
	workspace string
	endpoint  string

	mu    sync.RWMutex
	panes map[string]*pane

	clientsMu sync.Mutex
	clients   map[*frameWriter]struct{}

	listener net.Listener

	pidPath  string
	lockPath string
	lockFile *os.File

	stopIdleSweep func()

	shuttingDown bool
}

// NewServer constructs a daemon server rooted at workspace, listening on
// endpoint (a Unix domain socket path; see config.DefaultEndpoint).
func NewServer(workspace, endpoint string) *Server {
	return &Server{
		workspace: workspace,
		endpoint:  endpoint,
		panes:     make(map[string]*pane),
		clients:   make(map[*frameWriter]struct{}),
		pidPath:   filepath.Join(workspace, "daemon.pid"),
		lockPath:  filepath.Join(workspace, "daemon.lock"),
	}
}

// Start acquires the single-instance guard, removes any stale socket, binds
// the listener, and begins accepting connections. It refuses to start if a
// live daemon already owns the lock (spec §4.2: "refuses to start if a live
// PID file exists and the named socket accepts connections").
func (s *Server) Start() error {
	locked, err := s.acquireLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running for workspace %s", s.workspace)
	}

	_ = os.Remove(s.endpoint)
	ln, err := net.Listen("unix", s.endpoint)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listening on %s: %w", s.endpoint, err)
	}
	s.listener = ln

	if err := os.WriteFile(s.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		log.Warn(log.CatDaemon, "failed to write pid file", "error", err.Error())
	}

	log.Info(log.CatDaemon, "daemon listening", "endpoint", s.endpoint)
	s.stopIdleSweep = s.startIdleSweeper()
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown {
				return
			}
			log.ErrorErr(log.CatDaemon, "accept failed", err)
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	fw := newFrameWriter(conn)
	s.clientsMu.Lock()
	s.clients[fw] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, fw)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	fr := newFrameReader(conn)
	for {
		req, err := fr.ReadRequest()
		if err != nil {
			return
		}
		s.handle(req, fw)
		if req.Cmd == "shutdown" {
			return
		}
	}
}

// broadcast pushes an event to every connected client, independently:
// a write error on one client's connection does not affect others and the
// daemon keeps running (spec §4.2 failure semantics).
func (s *Server) broadcast(resp *Response) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for fw := range s.clients {
		if err := fw.WriteResponse(resp); err != nil {
			log.Warn(log.CatDaemon, "client write failed", "error", err.Error())
		}
	}
}

func (s *Server) handle(req *Request, fw *frameWriter) {
	switch req.Cmd {
	case "spawn":
		s.handleSpawn(req)
	case "write":
		s.handleWrite(req)
	case "resize":
		s.handleResize(req)
	case "kill":
		s.handleKill(req)
	case "restart":
		s.handleRestart(req)
	case "list":
		s.handleList(fw)
	case "attach":
		s.handleAttach(req, fw)
	case "ping":
		_ = fw.WriteResponse(&Response{Event: "pong"})
	case "shutdown":
		s.handleShutdown()
	default:
		_ = fw.WriteResponse(&Response{Event: "error", Error: fmt.Sprintf("unknown cmd %q", req.Cmd)})
	}
}

func (s *Server) handleSpawn(req *Request) {
	_, span := telemetry.Tracer().Start(context.Background(), "daemon.spawn")
	span.SetAttributes(attribute.String("paneId", req.PaneID), attribute.String("role", req.Role), attribute.String("mode", string(req.Mode)))
	defer span.End()

	s.mu.Lock()
	p, exists := s.panes[req.PaneID]
	if !exists {
		p = newPane(req.PaneID, req.Role, req.Command, req.Args, req.Cwd, req.Mode)
		p.cols, p.rows = req.Cols, req.Rows
		p.onData = s.onPaneData
		p.onExit = s.onPaneExit
		p.onActivity = s.onPaneActivity
		s.panes[req.PaneID] = p
	}
	s.mu.Unlock()

	if req.Mode == ModeInteractive {
		p.mu.Lock()
		alreadyAlive := p.alive
		p.mu.Unlock()
		if !alreadyAlive {
			if err := p.startInteractive(req.ResumedSessionID); err != nil {
				s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: err.Error()})
				return
			}
		}
	}

	s.broadcast(&Response{Event: "spawned", PaneID: req.PaneID, Panes: []PaneInfo{p.info()}})
}

func (s *Server) handleWrite(req *Request) {
	s.mu.RLock()
	p, ok := s.panes[req.PaneID]
	s.mu.RUnlock()
	if !ok {
		s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: "unknown pane"})
		return
	}

	if p.mode == ModeExec {
		go func() {
			if err := p.runExec(req.Data); err != nil {
				s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: err.Error()})
			}
		}()
		return
	}

	if err := p.write(req.Data); err != nil {
		s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: err.Error()})
	}
}

func (s *Server) handleResize(req *Request) {
	s.mu.RLock()
	p, ok := s.panes[req.PaneID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = p.resize(req.Cols, req.Rows)
}

func (s *Server) handleKill(req *Request) {
	_, span := telemetry.Tracer().Start(context.Background(), "daemon.kill")
	span.SetAttributes(attribute.String("paneId", req.PaneID), attribute.Bool("full", req.Full))
	defer span.End()

	s.mu.Lock()
	p, ok := s.panes[req.PaneID]
	if ok && req.Full {
		delete(s.panes, req.PaneID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.destroy()
}

// handleRestart destroys and respawns a pane's process in place, keeping
// its paneId/role/command binding (spec §4.6 L3 escalation: "restart the
// process, preserving the pane's identity").
func (s *Server) handleRestart(req *Request) {
	s.mu.RLock()
	p, ok := s.panes[req.PaneID]
	s.mu.RUnlock()
	if !ok {
		s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: "unknown pane"})
		return
	}

	p.destroy()

	if p.mode == ModeInteractive {
		if err := p.startInteractive(""); err != nil {
			s.broadcast(&Response{Event: "error", PaneID: req.PaneID, Error: err.Error()})
			return
		}
	}

	s.broadcast(&Response{Event: "restarted", PaneID: req.PaneID, Panes: []PaneInfo{p.info()}})
}

func (s *Server) handleList(fw *frameWriter) {
	s.mu.RLock()
	infos := make([]PaneInfo, 0, len(s.panes))
	for _, p := range s.panes {
		infos = append(infos, p.info())
	}
	s.mu.RUnlock()
	_ = fw.WriteResponse(&Response{Event: "list", Panes: infos})
}

func (s *Server) handleAttach(req *Request, fw *frameWriter) {
	s.mu.RLock()
	p, ok := s.panes[req.PaneID]
	s.mu.RUnlock()
	if !ok {
		_ = fw.WriteResponse(&Response{Event: "error", PaneID: req.PaneID, Error: "unknown pane"})
		return
	}
	replay := p.replayScrollback()
	_ = fw.WriteResponse(&Response{Event: "data", PaneID: req.PaneID, Data: replay})
}

// Shutdown gracefully stops the daemon: destroys every owned pane, closes
// the listener, and releases the single-instance lock. Safe to call from
// the hosting process's signal handler.
func (s *Server) Shutdown() {
	s.handleShutdown()
}

func (s *Server) handleShutdown() {
	_, span := telemetry.Tracer().Start(context.Background(), "daemon.shutdown")
	defer span.End()

	log.Info(log.CatDaemon, "shutdown requested")
	s.shuttingDown = true
	if s.stopIdleSweep != nil {
		s.stopIdleSweep()
	}

	s.mu.RLock()
	panes := make([]*pane, 0, len(s.panes))
	for _, p := range s.panes {
		panes = append(panes, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range panes {
		wg.Add(1)
		go func(p *pane) {
			defer wg.Done()
			p.destroy()
		}(p)
	}
	wg.Wait()

	s.broadcast(&Response{Event: "shutdown"})
	_ = s.listener.Close()
	_ = os.Remove(s.pidPath)
	s.releaseLock()
}

func (s *Server) onPaneData(paneID string, chunk []byte) {
	s.broadcast(&Response{Event: "data", PaneID: paneID, Data: chunk})
}

// onPaneActivity broadcasts every activityState transition as a codex-style
// structured activity event (spec §4.2), rather than leaving subscribers to
// learn of state changes only from a snapshot's lazily-computed idle
// promotion.
func (s *Server) onPaneActivity(paneID string, state ActivityState) {
	s.broadcast(&Response{Event: "activity", PaneID: paneID, State: state})
}

// idleSweepPeriod governs how often streaming panes are checked for
// promotion to idle, independent of any client snapshot request.
const idleSweepPeriod = 1 * time.Second

// startIdleSweeper periodically promotes streaming panes that have gone
// quiet past waitingIdleThreshold, firing an activity broadcast for each
// one. Call the returned function to stop it.
func (s *Server) startIdleSweeper() func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(idleSweepPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.RLock()
				panes := make([]*pane, 0, len(s.panes))
				for _, p := range s.panes {
					panes = append(panes, p)
				}
				s.mu.RUnlock()
				for _, p := range panes {
					p.checkIdlePromotion()
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (s *Server) onPaneExit(paneID string, code int, crashed bool) {
	s.broadcast(&Response{Event: "exit", PaneID: paneID, ExitCode: code})
	if crashed {
		s.writeTombstone(paneID, code)
	}
}

// writeTombstone records a pane crash for operator diagnosis, grounded on
// the relay-daemon's last-exit-reason artifact
// (other_examples/e90863e7_happyhappa-party__daemon-cmd-relay-main.go.go).
func (s *Server) writeTombstone(paneID string, code int) {
	type tombstone struct {
		PaneID string    `json:"paneId"`
		Code   int       `json:"code"`
		At     time.Time `json:"at"`
	}
	data, err := json.MarshalIndent(tombstone{PaneID: paneID, Code: code, At: time.Now()}, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.workspace, fmt.Sprintf("daemon-crash-%s.json", paneID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
