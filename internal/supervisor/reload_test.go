package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diorcety/circus/internal/snapshot"
)

// reloadTestBuild is a minimal stand-in for circusd's buildWatcher,
// covering only the fields these tests exercise.
func reloadTestBuild(spec snapshot.WatcherSpec) (*Watcher, error) {
	w := NewWatcher(spec.Name)
	w.Cmd = "/bin/sh"
	w.Args = spec.Args
	if spec.NumProcesses > 0 {
		w.NumProcesses = spec.NumProcesses
	}
	w.Priority = spec.Priority
	w.Respawn = false
	w.GracefulTimeout = 50 * time.Millisecond
	if spec.Autostart != nil {
		w.Autostart = *spec.Autostart
	}
	return w, nil
}

func boolPtr(b bool) *bool { return &b }

func TestReloadFromAddsAndStartsNewWatcher(t *testing.T) {
	a := NewArbiter(GlobalOptions{CheckDelay: time.Hour})
	require.NoError(t, a.Start(nil))
	defer func() { a.Stop(); a.Wait() }()

	doc := &snapshot.Document{Watchers: []snapshot.WatcherSpec{
		{Name: "web", Args: []string{"-c", "sleep 5"}, NumProcesses: 1, Autostart: boolPtr(true)},
	}}
	require.NoError(t, a.ReloadFrom(doc, reloadTestBuild))

	w, ok := a.Watcher("web")
	require.True(t, ok)
	require.Eventually(t, func() bool { return w.Status() == WatcherActive }, 2*time.Second, 10*time.Millisecond)
}

func TestReloadFromRemovesDroppedWatcher(t *testing.T) {
	a := NewArbiter(GlobalOptions{CheckDelay: time.Hour})
	require.NoError(t, a.Start(nil))
	defer func() { a.Stop(); a.Wait() }()

	w := NewWatcher("gone")
	w.Cmd = "/bin/sh"
	w.Args = []string{"-c", "sleep 5"}
	w.GracefulTimeout = 50 * time.Millisecond
	require.NoError(t, a.AddWatcher(w))
	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return w.Status() == WatcherActive }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.ReloadFrom(&snapshot.Document{}, reloadTestBuild))

	_, ok := a.Watcher("gone")
	assert.False(t, ok)
}

func TestReloadFromAppliesLiveOptionWithoutRespawn(t *testing.T) {
	a := NewArbiter(GlobalOptions{CheckDelay: time.Hour})
	require.NoError(t, a.Start(nil))
	defer func() { a.Stop(); a.Wait() }()

	doc := &snapshot.Document{Watchers: []snapshot.WatcherSpec{
		{Name: "web", Args: []string{"-c", "sleep 5"}, NumProcesses: 1, Autostart: boolPtr(true)},
	}}
	require.NoError(t, a.ReloadFrom(doc, reloadTestBuild))
	w, ok := a.Watcher("web")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(w.Pids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	firstPids := append([]int(nil), w.Pids()...)

	doc2 := &snapshot.Document{Watchers: []snapshot.WatcherSpec{
		{Name: "web", Args: []string{"-c", "sleep 5"}, NumProcesses: 2, Autostart: boolPtr(true)},
	}}
	require.NoError(t, a.ReloadFrom(doc2, reloadTestBuild))

	require.Eventually(t, func() bool { return len(w.Pids()) == 2 }, 2*time.Second, 10*time.Millisecond)
	// scaling up is a live change: the original replica is untouched.
	assert.Contains(t, w.Pids(), firstPids[0])
}

func TestReloadFromTriggersGracefulReloadOnRespawnRequiredChange(t *testing.T) {
	a := NewArbiter(GlobalOptions{CheckDelay: time.Hour})
	require.NoError(t, a.Start(nil))
	defer func() { a.Stop(); a.Wait() }()

	doc := &snapshot.Document{Watchers: []snapshot.WatcherSpec{
		{Name: "web", Args: []string{"-c", "sleep 5"}, NumProcesses: 1, Autostart: boolPtr(true)},
	}}
	require.NoError(t, a.ReloadFrom(doc, reloadTestBuild))
	w, ok := a.Watcher("web")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(w.Pids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	oldPid := w.Pids()[0]

	// args is in respawnRequiredOptions, so this must rotate the replica
	// rather than applying live.
	doc2 := &snapshot.Document{Watchers: []snapshot.WatcherSpec{
		{Name: "web", Args: []string{"-c", "sleep 6"}, NumProcesses: 1, Autostart: boolPtr(true)},
	}}
	require.NoError(t, a.ReloadFrom(doc2, reloadTestBuild))

	require.Eventually(t, func() bool {
		pids := w.Pids()
		return len(pids) == 1 && pids[0] != oldPid
	}, 2*time.Second, 10*time.Millisecond, "old replica was never rotated out")
}
