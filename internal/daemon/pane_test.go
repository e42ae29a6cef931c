package daemon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPaneExecModeStreamsOutputAndExits(t *testing.T) {
	p := newPane("1", "ARCHITECT", "cat", nil, t.TempDir(), ModeExec)

	var mu sync.Mutex
	var got []byte
	exited := make(chan struct{})

	p.onData = func(paneID string, chunk []byte) {
		mu.Lock()
		got = append(got, chunk...)
		mu.Unlock()
	}
	p.onExit = func(paneID string, code int, crashed bool) {
		close(exited)
	}

	require.NoError(t, p.runExec([]byte("hello exec pane")))

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("exec pane never reported exit")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hello exec pane", string(got))
}

func TestPaneInfoPromotesIdleOnSilence(t *testing.T) {
	p := newPane("1", "ARCHITECT", "true", nil, t.TempDir(), ModeInteractive)
	p.activityState = StateStreaming
	p.lastOutputTime = time.Now().Add(-3 * time.Second)

	info := p.info()
	require.Equal(t, StateIdle, info.ActivityState)
}

func TestPaneCheckIdlePromotionFiresOnActivityOnce(t *testing.T) {
	p := newPane("1", "ARCHITECT", "true", nil, t.TempDir(), ModeInteractive)
	p.activityState = StateStreaming
	p.lastOutputTime = time.Now().Add(-3 * time.Second)

	var mu sync.Mutex
	var states []ActivityState
	p.onActivity = func(paneID string, state ActivityState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}

	p.checkIdlePromotion()
	p.checkIdlePromotion() // already idle; must not fire again

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []ActivityState{StateIdle}, states)
	require.Equal(t, StateIdle, p.activityState)
}
