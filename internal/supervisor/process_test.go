package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reap(t *testing.T, pid int) syscall.WaitStatus {
	t.Helper()
	var ws syscall.WaitStatus
	_, err := syscall.Wait4(pid, &ws, 0, nil)
	require.NoError(t, err)
	return ws
}

func TestProcessSpawnAndAlive(t *testing.T) {
	p := &Process{Wid: 0, watcherName: "test"}
	err := p.Spawn(ProcessSpawnSpec{Argv: []string{"/bin/sh", "-c", "sleep 5"}})
	require.NoError(t, err)
	assert.NotZero(t, p.Pid)
	assert.True(t, p.Alive())
	assert.True(t, p.Age() >= 0)

	require.NoError(t, p.Signal(syscall.SIGKILL, false))
	ws := reap(t, p.Pid)
	assert.True(t, ws.Signaled())
	p.MarkExited(128+int(syscall.SIGKILL), syscall.SIGKILL, Rusage{})
	assert.False(t, p.Alive())
}

func TestProcessSpawnRejectsEmptyArgv(t *testing.T) {
	p := &Process{}
	err := p.Spawn(ProcessSpawnSpec{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestProcessStopSignalsOnceThenEscalates(t *testing.T) {
	p := &Process{}
	// A process that ignores SIGTERM, so Stop must escalate to SIGKILL.
	err := p.Spawn(ProcessSpawnSpec{Argv: []string{"/bin/sh", "-c", "trap '' TERM; sleep 5"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- p.Stop(syscall.SIGTERM, 200*time.Millisecond, false)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return in time")
	}
	reap(t, p.Pid)
}

func TestProcessSignalFailsWhenNotRunning(t *testing.T) {
	p := &Process{}
	err := p.Signal(syscall.SIGTERM, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignalFailed)
}

func TestProcessPollReflectsMarkExited(t *testing.T) {
	p := &Process{}
	exited, code, sig := p.Poll()
	assert.False(t, exited)

	p.status = ProcessRunning
	p.MarkExited(7, 0, Rusage{MaxRSS: 1024})
	exited, code, sig = p.Poll()
	assert.True(t, exited)
	assert.Equal(t, 7, code)
	assert.Equal(t, syscall.Signal(0), sig)
}

func TestExpandAllSubstitutesWid(t *testing.T) {
	argv, dir, env := ExpandAll(
		[]string{"/usr/bin/run", "--id=$(circus.WID)"},
		"/srv/$(NAME)",
		map[string]string{"NAME": "web"},
		3,
	)
	assert.Equal(t, []string{"/usr/bin/run", "--id=3"}, argv)
	assert.Equal(t, "/srv/web", dir)
	assert.Equal(t, "web", env["NAME"])
}

func TestLookupUserResolvesRoot(t *testing.T) {
	uid, gid, err := LookupUser("root")
	require.NoError(t, err)
	assert.Equal(t, 0, uid)
	assert.Equal(t, 0, gid)
}
