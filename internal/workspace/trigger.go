package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anamnesos/hivemind/internal/log"
)

// TriggerPath returns the path of the trigger file for a role, or the
// broadcast file when role == "all".
func (s *Store) TriggerPath(role string) string {
	return filepath.Join(s.root, "triggers", role+".txt")
}

// TriggersDir returns the directory a trigger-file watcher should watch.
func (s *Store) TriggersDir() string {
	return filepath.Join(s.root, "triggers")
}

// AppendTrigger appends text to a role's trigger file, creating it if
// absent. Trigger files are append-only logs; multiple agents may append
// concurrently, and the Router is order-agnostic on line boundaries across
// processes (spec §4.1 invariant b).
func (s *Store) AppendTrigger(role, text string) error {
	path := s.TriggerPath(role)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening trigger %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("appending trigger %s: %w", path, err)
	}
	return nil
}

// ReadTriggerTail reads the newly-appended bytes of a trigger file since the
// last call for that file, tracked by remembered byte offset. A partial
// line at EOF (no trailing newline yet) is held back and prefixed to the
// next read rather than returned, per spec §4.1.
//
// Returns the complete, newline-terminated lines available since the last
// read (without their trailing newline). If the file is now smaller than
// the remembered offset (rotation/truncation of an append-only file), the
// offset resets to 0 and any held partial tail is dropped.
func (s *Store) ReadTriggerTail(role string) ([]string, error) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()

	path := s.TriggerPath(role)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening trigger %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat trigger %s: %w", path, err)
	}

	offset := s.offsets[path]
	size := info.Size()
	if size < offset {
		// File was truncated or rotated; restart from the beginning and
		// drop any held partial tail (it belonged to the old file).
		log.Warn(log.CatWorkspace, "trigger file shrank, resetting offset", "path", path)
		offset = 0
		delete(s.partial, path)
	}
	if size == offset {
		return nil, nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seeking trigger %s: %w", path, err)
	}

	buf := make([]byte, size-offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("reading trigger %s: %w", path, err)
	}
	buf = buf[:n]

	// Prepend any partial line held from a previous read.
	if held, ok := s.partial[path]; ok && len(held) > 0 {
		buf = append(append([]byte{}, held...), buf...)
		delete(s.partial, path)
	}

	var lines []string
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		// Accept both CRLF and LF line endings identically (spec §8 boundary).
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, string(line))
		buf = buf[idx+1:]
	}

	if len(buf) > 0 {
		// Hold the unterminated tail until the closing newline arrives.
		s.partial[path] = append([]byte{}, buf...)
	}

	s.offsets[path] = offset + int64(n)
	return lines, nil
}
