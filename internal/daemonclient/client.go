// Package daemonclient implements the Daemon Client (spec §4.3): a library
// linked into the UI host that connects to the Terminal Daemon, auto-spawns
// it when absent, reconnects on transient errors with bounded backoff, and
// demultiplexes events by pane to subscribers.
package daemonclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/pubsub"
)

// Event mirrors daemon.Response's shape without importing the daemon
// package (the client only ever sees it across the wire).
type Event struct {
	Event    string
	PaneID   string
	Data     []byte
	ExitCode int
	Error    string
	Raw      map[string]any
}

// Client connects to a running daemon, spawning it on first use if absent.
type Client struct {
	endpoint     string
	daemonBinary string
	workspace    string

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer

	broker *pubsub.Broker[Event]

	connected bool

	// stateLock is held while this client is the single ui-role writer of
	// message-state.json (spec §4.3 single-writer guard).
	stateLockFile *os.File
}

// Options configures client construction.
type Options struct {
	Endpoint     string
	DaemonBinary string // path to the daemon executable, used for auto-spawn
	Workspace    string
}

// New constructs a Daemon Client. Connect must be called before use.
func New(opts Options) *Client {
	return &Client{
		endpoint:     opts.Endpoint,
		daemonBinary: opts.DaemonBinary,
		workspace:    opts.Workspace,
		broker:       pubsub.NewBroker[Event](),
	}
}

// Subscribe returns a channel of demultiplexed daemon events. All pane
// events are published on the same channel; callers filter by PaneID.
func (c *Client) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return c.broker.Subscribe(ctx)
}

// Connect dials the daemon endpoint, auto-spawning the daemon process if
// the first dial fails, and starts the event demultiplex loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := net.Dial("unix", c.endpoint)
	if err != nil {
		log.Info(log.CatClient, "daemon not reachable, auto-spawning", "endpoint", c.endpoint)
		if spawnErr := c.spawnDaemon(); spawnErr != nil {
			return fmt.Errorf("%w: spawning daemon: %v", errs.ErrDaemonUnavailable, spawnErr)
		}
		conn, err = c.dialWithRetry(ctx)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) spawnDaemon() error {
	if c.daemonBinary == "" {
		return fmt.Errorf("no daemon binary configured")
	}
	cmd := exec.Command(c.daemonBinary)
	cmd.Env = append(os.Environ(), "HIVEMIND_WORKSPACE="+c.workspace, "HIVEMIND_DAEMON_ENDPOINT="+c.endpoint)
	// Detach from the UI host's process group so the daemon outlives it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return nil
}

// dialWithRetry reconnects with exponential backoff, capped at a small
// number of attempts (spec §5: "exponential backoff capped at a small
// number of retries; after exhaustion, the client reports disconnected").
func (c *Client) dialWithRetry(ctx context.Context) (net.Conn, error) {
	backoff := 50 * time.Millisecond
	const maxAttempts = 6
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		conn, err := net.Dial("unix", c.endpoint)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil, fmt.Errorf("%w: %v", errs.ErrDaemonUnavailable, lastErr)
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var raw map[string]any
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			log.Warn(log.CatClient, "bad event frame", "error", err.Error())
			continue
		}
		ev := Event{Raw: raw}
		if v, ok := raw["event"].(string); ok {
			ev.Event = v
		}
		if v, ok := raw["paneId"].(string); ok {
			ev.PaneID = v
		}
		if v, ok := raw["error"].(string); ok {
			ev.Error = v
		}
		c.broker.Publish(ev)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	log.Warn(log.CatClient, "daemon connection lost, attempting reconnect")
	if conn2, err := c.dialWithRetry(ctx); err == nil {
		c.mu.Lock()
		c.conn = conn2
		c.w = bufio.NewWriter(conn2)
		c.connected = true
		c.mu.Unlock()
		go c.readLoop(ctx, conn2)
	} else {
		log.ErrorErr(log.CatClient, "daemon reconnect exhausted", err)
	}
}

// Send writes a request to the daemon. Fails fast with ErrDaemonUnavailable
// if not currently connected (spec §5 fail-fast policy).
func (c *Client) Send(req map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.w == nil {
		return errs.ErrDaemonUnavailable
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDaemonUnavailable, err)
	}
	return c.w.Flush()
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
