//go:build unix

package daemonclient

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// AcquireStateLock takes the advisory lock that makes this client the
// single `ui`-role writer of message-state.json (spec §4.3). Only one ui
// client at a time may hold it; others may still observe events but must
// not originate message-state writes.
func (c *Client) AcquireStateLock() (bool, error) {
	path := filepath.Join(c.workspace, "message-state.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening state lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}
	c.mu.Lock()
	c.stateLockFile = f
	c.mu.Unlock()
	return true, nil
}

// ReleaseStateLock releases the advisory message-state writer lock, if held.
func (c *Client) ReleaseStateLock() {
	c.mu.Lock()
	f := c.stateLockFile
	c.stateLockFile = nil
	c.mu.Unlock()
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// HoldsStateLock reports whether this client currently owns the
// message-state writer lock.
func (c *Client) HoldsStateLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLockFile != nil
}
