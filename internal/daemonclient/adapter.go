package daemonclient

// Write sends raw bytes to a pane's PTY, satisfying injection.PTYWriter so
// the Injection Pipeline can drive this client directly.
func (c *Client) Write(paneID string, data []byte) error {
	return c.Send(map[string]any{"cmd": "write", "paneId": paneID, "data": data})
}

// WriteControl sends a single control byte (e.g. Ctrl-U, Ctrl-C) to a
// pane's PTY, satisfying injection.PTYWriter.
func (c *Client) WriteControl(paneID string, b byte) error {
	return c.Send(map[string]any{"cmd": "write", "paneId": paneID, "data": []byte{b}})
}

// RunExec sends a payload to an exec-mode pane, which the daemon runs
// through a fresh child process, satisfying injection.PTYWriter.
func (c *Client) RunExec(paneID string, data []byte) error {
	return c.Send(map[string]any{"cmd": "write", "paneId": paneID, "data": data})
}

// Interrupt sends Ctrl-C (L2 escalation), satisfying supervisor.Controller.
func (c *Client) Interrupt(paneID string) error {
	return c.WriteControl(paneID, 0x03)
}

// Restart asks the daemon to destroy and respawn a pane's process in
// place, keeping its paneId/role binding (L3 escalation), satisfying
// supervisor.Controller.
func (c *Client) Restart(paneID string) error {
	return c.Send(map[string]any{"cmd": "restart", "paneId": paneID})
}
