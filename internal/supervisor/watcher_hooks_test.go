package supervisor

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHookedWatcher(t *testing.T, target string, hook string, ignoreFailure bool, fn HookFunc) *Watcher {
	t.Helper()
	registry := NewHookRegistry()
	registry.Register(target, fn)

	w := NewWatcher("web")
	w.Cmd = "/bin/sh"
	w.Args = []string{"-c", "sleep 5"}
	w.NumProcesses = 1
	// Short graceful_timeout: these tests reap synchronously after Stop
	// returns rather than running a concurrent Arbiter reap loop, and a
	// exited-but-not-yet-reaped child still answers kill(pid, 0)
	// successfully, so the default 30s would otherwise run to deadline.
	w.GracefulTimeout = 50 * time.Millisecond
	w.Hooks[hook] = HookSpec{Target: target, IgnoreFailure: ignoreFailure}
	w.Attach(NewRegistry(), registry, nil, nil)
	return w
}

func TestSpawnOneAbortsOnBeforeSpawnHookFailure(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookBeforeSpawn, false, func(HookContext) error {
		return errors.New("no capacity")
	})

	err := w.spawnOne()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
	assert.Empty(t, w.Pids())
}

func TestSpawnOneIgnoresBeforeSpawnFailureWhenConfigured(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookBeforeSpawn, true, func(HookContext) error {
		return errors.New("no capacity")
	})

	err := w.spawnOne()
	require.NoError(t, err)
	pids := w.Pids()
	require.Len(t, pids, 1)

	p, ok := w.pidKnown(pids[0])
	require.True(t, ok)
	require.NoError(t, p.Signal(syscall.SIGKILL, false))
	reap(t, pids[0])
}

func TestSpawnOneAbortsAndKillsProcessOnAfterSpawnHookFailure(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookAfterSpawn, false, func(HookContext) error {
		return errors.New("rejected after spawn")
	})

	err := w.spawnOne()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
	assert.Empty(t, w.Pids())

	// the process was spawned and then killed as part of the abort; reap it.
	reapWatcherOnce(t, w)
}

func TestStopAbortsOnBeforeStopHookFailure(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookBeforeStop, false, func(HookContext) error {
		return errors.New("not allowed to stop")
	})
	require.NoError(t, w.Start())
	require.Len(t, w.Pids(), 1)

	err := w.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
	assert.Equal(t, WatcherActive, w.Status())
	assert.Len(t, w.Pids(), 1)

	// clean up without the rejecting hook in place.
	delete(w.Hooks, HookBeforeStop)
	require.NoError(t, w.Stop())
	reapWatcherOnce(t, w)
}

func TestStopEscalatesToSigkillOnBeforeSignalHookFailure(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookBeforeSignal, false, func(HookContext) error {
		return errors.New("escalate")
	})
	w.Args = []string{"-c", "trap '' TERM; sleep 30"}
	w.GracefulTimeout = 30 * time.Second
	require.NoError(t, w.Start())
	require.Len(t, w.Pids(), 1)

	// Reap concurrently with Stop, the way the arbiter's reap loop would in
	// production: Process.Alive() is a bare kill(pid, 0) and can't tell a
	// zombie from a running process, so Stop's poll loop only notices the
	// exit once something actually calls wait4 on it.
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		reapWatcherOnce(t, w)
	}()

	// The shell traps SIGTERM; Stop's graceful_timeout is 30s, so without
	// before_signal escalating to SIGKILL this would still be blocked
	// here 30 seconds from now instead of returning almost immediately.
	done := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not escalate to SIGKILL in time")
	}

	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("exited process was never reaped")
	}
	assert.Empty(t, w.Pids())
}

func TestAfterStopHookFailurePropagatesFromStop(t *testing.T) {
	w := newHookedWatcher(t, "reject", HookAfterStop, false, func(HookContext) error {
		return errors.New("after-stop rejected")
	})
	require.NoError(t, w.Start())
	require.Len(t, w.Pids(), 1)

	err := w.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
	assert.Equal(t, WatcherStopped, w.Status()) // after_stop can't undo the stop, only surface the error

	reapWatcherOnce(t, w)
}
