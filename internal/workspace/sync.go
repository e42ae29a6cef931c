package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/anamnesos/hivemind/internal/pubsub"
)

// SyncStatus is the tri-state of a sync file relative to its subscribers
// (spec §3 Sync state).
type SyncStatus string

const (
	SyncDirty   SyncStatus = "dirty"
	SyncSynced  SyncStatus = "synced"
	SyncSkipped SyncStatus = "skipped"
)

// SyncFileState tracks one designated sync file (shared_context.md,
// blockers.md, errors.md, ...).
type SyncFileState struct {
	Name             string
	Mtime            time.Time
	LastSyncedPanes  []string
	Status           SyncStatus
}

// SyncEvent is published whenever a designated sync file changes (spec §3's
// "sync-file-changed { file, mtime }" event, widened with a line-diff Detail
// per SPEC_FULL's go-diff wiring).
type SyncEvent struct {
	File   string
	Mtime  time.Time
	Detail string
}

func (s *Store) syncPath(file string) string {
	return filepath.Join(s.root, "sync", file)
}

// SubscribeSync hands back a channel of sync-file-changed events.
func (s *Store) SubscribeSync(ctx context.Context) <-chan pubsub.Event[SyncEvent] {
	return s.syncBroker.Subscribe(ctx)
}

// ReadSync reads a sync file's current body and mtime.
func (s *Store) ReadSync(file string) (body string, mtime time.Time, err error) {
	path := s.syncPath(file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, fmt.Errorf("reading sync file %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stat sync file %s: %w", path, err)
	}
	return string(data), info.ModTime(), nil
}

// WriteSync writes a sync file's body (full replace), stamping mtime via the
// filesystem. Not required to be atomic against concurrent readers per
// spec (only state.json/message-state carry that invariant), but uses the
// same temp+rename helper for consistency and crash-safety.
func (s *Store) WriteSync(file, body string) (time.Time, error) {
	prev, _, _ := s.ReadSync(file)

	path := s.syncPath(file)
	if err := atomicWriteFile(path, []byte(body), 0o644); err != nil {
		return time.Time{}, fmt.Errorf("writing sync file %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat sync file %s: %w", path, err)
	}

	mtime := info.ModTime()
	s.syncBroker.Publish(SyncEvent{
		File:   file,
		Mtime:  mtime,
		Detail: summarizeLineDiff(prev, body),
	})
	return mtime, nil
}

// summarizeLineDiff produces a short "+N -M" line-change summary between two
// sync file bodies, grounded on the line-hashing approach in
// sergi/go-diff's DiffLinesToChars (as used for word-diff hunking in
// internal/ui/shared/diffviewer/word_diff.go's teacher-side counterpart).
func summarizeLineDiff(oldBody, newBody string) string {
	if oldBody == newBody {
		return "unchanged"
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldBody, newBody)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var added, removed int
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return fmt.Sprintf("+%d -%d lines", added, removed)
}
