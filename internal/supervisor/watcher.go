package supervisor

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"
)

// StdinSource supplies a replica's stdin at spawn time. Mirrors the
// Sink capability interface used for stdout/stderr, but in the other
// direction: Open is called once per spawnOne with the replica's wid
// and returns the reader end to hand to exec.Cmd.
type StdinSource interface {
	Open(wid int) (io.Reader, error)
}

// WatcherStatus is the reconciler's state machine, spec.md §4.6:
// stopped → starting → active → stopping → stopped; active → error
// (flap limit exceeded); error → starting on explicit start/restart.
type WatcherStatus int

const (
	WatcherStopped WatcherStatus = iota
	WatcherStarting
	WatcherActive
	WatcherStopping
	WatcherError
)

func (s WatcherStatus) String() string {
	switch s {
	case WatcherStopped:
		return "stopped"
	case WatcherStarting:
		return "starting"
	case WatcherActive:
		return "active"
	case WatcherStopping:
		return "stopping"
	case WatcherError:
		return "error"
	default:
		return "unknown"
	}
}

// Publisher is the minimal event-bus capability the Watcher needs. A
// concrete *eventbus.Bus satisfies this without supervisor importing
// eventbus, keeping the dependency one-directional.
type Publisher interface {
	Publish(topic string, payload map[string]interface{})
}

// Watcher is the declaration + reconciler for one named process group
// (spec.md §3, §4.6).
type Watcher struct {
	mu sync.Mutex

	Name           string
	Cmd            string
	Args           []string
	NumProcesses   int
	WorkingDir     string
	Uid            int
	Gid            int
	Env            map[string]string
	Shell          bool
	Executable     string
	StopSignal     syscall.Signal
	StopChildren   bool
	GracefulTimeout time.Duration
	WarmupDelay    time.Duration
	MaxRetry       int
	Respawn        bool
	Autostart      bool
	Singleton      bool
	CopyEnv        bool
	CopyPath       bool
	UseSockets     []string
	Rlimits        map[string]int64
	Hooks          map[string]HookSpec
	Priority       int
	Umask          int
	Extra          map[string]string // freeform passthrough options

	StdoutSink Sink
	StderrSink Sink
	Stdin      StdinSource

	status    WatcherStatus
	pids      map[int]*Process
	nextWid   int
	flap      *FlapDetector
	pending   int // reload in sequential mode may exceed NumProcesses by exactly this

	registry *Registry
	hooks    *HookRegistry
	bus      Publisher
	logger   Logger
}

// Logger is the minimal logging capability the core needs, satisfied
// by internal/logging.Logger.
type Logger interface {
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NewWatcher constructs a Watcher ready for Start; flap parameters
// default per spec.md §4.5 when zero.
func NewWatcher(name string) *Watcher {
	return &Watcher{
		Name:            name,
		NumProcesses:    1,
		StopSignal:      syscall.SIGTERM,
		GracefulTimeout: 30 * time.Second,
		Respawn:         true,
		Autostart:       true,
		Env:             map[string]string{},
		Hooks:           map[string]HookSpec{},
		Extra:           map[string]string{},
		status:          WatcherStopped,
		pids:            map[int]*Process{},
		flap:            NewFlapDetector(3, time.Second, 7*time.Second, 5),
		logger:          nopLogger{},
	}
}

// Attach wires the collaborators a running Watcher needs. Called by
// the Arbiter before Start.
func (w *Watcher) Attach(registry *Registry, hooks *HookRegistry, bus Publisher, logger Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry = registry
	w.hooks = hooks
	w.bus = bus
	if logger != nil {
		w.logger = logger
	}
}

func (w *Watcher) publish(event string, extra map[string]interface{}) {
	if w.bus == nil {
		return
	}
	payload := map[string]interface{}{"time": float64(time.Now().UnixNano()) / 1e9, "watcher": w.Name}
	for k, v := range extra {
		payload[k] = v
	}
	w.bus.Publish(w.Name+"."+event, payload)
}

// Status returns the current state machine value.
func (w *Watcher) Status() WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start moves stopped/error → starting and reconciles up to
// NumProcesses. Idempotent: starting an already-running watcher is a
// no-op per spec.md §8.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.status == WatcherStarting || w.status == WatcherActive {
		w.mu.Unlock()
		return nil
	}
	w.flap.Reset()
	w.status = WatcherStarting
	w.mu.Unlock()

	w.publish("starting", nil)
	if err := w.runHookAbort(HookBeforeStart, 0); err != nil {
		w.mu.Lock()
		w.status = WatcherError
		w.mu.Unlock()
		return err
	}
	w.Reconcile()
	if err := w.runHookAbort(HookAfterStart, 0); err != nil {
		w.mu.Lock()
		w.status = WatcherError
		w.mu.Unlock()
		return err
	}
	w.publish("start", nil)
	return nil
}

// Stop moves active/starting → stopping → stopped, signaling every
// running Process per its graceful_timeout (invariant 4, 5).
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.status == WatcherStopped {
		w.mu.Unlock()
		return nil
	}
	prevStatus := w.status
	w.status = WatcherStopping
	procs := w.allProcsLocked()
	w.mu.Unlock()

	w.publish("stopping", nil)
	if err := w.runHookAbort(HookBeforeStop, 0); err != nil {
		w.mu.Lock()
		w.status = prevStatus
		w.mu.Unlock()
		return err
	}

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			w.signalForStop(p)
		}(p)
	}
	wg.Wait()

	w.mu.Lock()
	w.status = WatcherStopped
	w.mu.Unlock()
	afterErr := w.runHookAbort(HookAfterStop, 0)
	w.publish("stop", nil)
	w.publish("stopped", nil)
	return afterErr
}

// signalForStop sends the watcher's configured stop_signal to p,
// escalating straight to SIGKILL when before_signal fails with
// ignore_failure=false — "stop escalated" per spec.md §7.
func (w *Watcher) signalForStop(p *Process) {
	sig := w.StopSignal
	if err := w.runHookAbort(HookBeforeSignal, p.Pid); err != nil {
		sig = syscall.SIGKILL
	}
	_ = p.Stop(sig, w.GracefulTimeout, w.StopChildren)
}

// Restart stops then starts, per spec.md §4.6.
func (w *Watcher) Restart() error {
	if err := w.Stop(); err != nil {
		return err
	}
	return w.Start()
}

// Incr increases NumProcesses by n (singleton clamps at 1, bad_argument
// beyond that per spec.md §4.6) and reconciles.
func (w *Watcher) Incr(n int) (int, error) {
	w.mu.Lock()
	if w.Singleton && w.NumProcesses+n > 1 {
		w.mu.Unlock()
		return 0, fmt.Errorf("%w: singleton watcher cannot exceed 1 process", ErrBadArgument)
	}
	w.NumProcesses += n
	result := w.NumProcesses
	w.mu.Unlock()
	w.Reconcile()
	return result, nil
}

// Decr decreases NumProcesses by n, floored at 0.
func (w *Watcher) Decr(n int) (int, error) {
	w.mu.Lock()
	w.NumProcesses -= n
	if w.NumProcesses < 0 {
		w.NumProcesses = 0
	}
	result := w.NumProcesses
	w.mu.Unlock()
	w.Reconcile()
	return result, nil
}

// Signal sends sig to one pid, or every running pid when pid == 0.
func (w *Watcher) Signal(pid int, sig syscall.Signal) error {
	w.mu.Lock()
	procs := []*Process{}
	if pid == 0 {
		procs = w.allProcsLocked()
	} else if p, ok := w.pids[pid]; ok {
		procs = append(procs, p)
	}
	w.mu.Unlock()

	if len(procs) == 0 {
		return fmt.Errorf("%w: no matching process", ErrSignalFailed)
	}
	var firstErr error
	for _, p := range procs {
		if err := p.Signal(sig, w.StopChildren); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Watcher) allProcsLocked() []*Process {
	out := make([]*Process, 0, len(w.pids))
	for _, p := range w.pids {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wid < out[j].Wid })
	return out
}

// Reload rotates replicas. graceful+sequential spawns one new replica,
// waits warmup_delay, stops one old, repeating until rotated — the
// only operation allowed to exceed NumProcesses, by exactly one
// (spec.md §4.6).
func (w *Watcher) Reload(sequential, graceful bool) error {
	if !graceful {
		if err := w.Stop(); err != nil {
			return err
		}
		return w.Start()
	}
	if !sequential {
		w.Reconcile()
		return nil
	}

	w.mu.Lock()
	olds := w.allProcsLocked()
	w.mu.Unlock()

	for _, old := range olds {
		if err := w.spawnOne(); err != nil {
			return err
		}
		time.Sleep(w.WarmupDelay)
		w.signalForStop(old)
		w.runHookAbort(HookAfterStop, old.Pid)
		w.removeProcess(old.Pid)
	}
	return nil
}

// Reconcile computes delta = numprocesses − |running| and spawns or
// stops replicas to close it (spec.md §4.6). It is called on the
// Arbiter's periodic tick and after every internal state change.
func (w *Watcher) Reconcile() {
	w.mu.Lock()
	if w.status != WatcherStarting && w.status != WatcherActive {
		w.mu.Unlock()
		return
	}
	if w.flap.Paused(time.Now()) {
		w.mu.Unlock()
		return
	}
	running := len(w.pids)
	desired := w.NumProcesses
	delta := desired - running
	w.mu.Unlock()

	switch {
	case delta > 0 && w.Respawn:
		for i := 0; i < delta; i++ {
			if err := w.spawnOne(); err != nil {
				w.logger.Warn("spawn failed", "watcher", w.Name, "error", err)
				w.publish("spawn", map[string]interface{}{"error": err.Error()})
				now := time.Now()
				if outcome := w.flap.RecordExit(now, 0); outcome == FlapGiveUp {
					w.mu.Lock()
					w.status = WatcherError
					w.mu.Unlock()
					w.publish("internal", map[string]interface{}{"reason": "flapping"})
					return
				}
				continue
			}
			if i+1 < delta {
				time.Sleep(w.WarmupDelay)
			}
		}
	case delta < 0:
		w.mu.Lock()
		victims := w.allProcsLocked()
		w.mu.Unlock()
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].StartedAt.Equal(victims[j].StartedAt) {
				return victims[i].Wid > victims[j].Wid
			}
			return victims[i].StartedAt.After(victims[j].StartedAt)
		})
		n := -delta
		if n > len(victims) {
			n = len(victims)
		}
		for _, p := range victims[:n] {
			if err := w.runHookAbort(HookBeforeStop, p.Pid); err != nil {
				continue // abort: this replica is not stopped, stays running
			}
			go func(p *Process) {
				w.signalForStop(p)
				w.runHookAbort(HookAfterStop, p.Pid)
			}(p)
		}
	}

	w.mu.Lock()
	if w.status == WatcherStarting && len(w.pids) >= w.NumProcesses {
		w.status = WatcherActive
		w.mu.Unlock()
		w.publish("started", nil)
		return
	}
	w.mu.Unlock()
}

func (w *Watcher) spawnOne() error {
	w.mu.Lock()
	wid := w.nextWid
	w.nextWid++
	argv := append([]string{w.resolveExecutable()}, w.Args...)
	env := w.Env
	workdir := w.WorkingDir
	uid, gid := w.Uid, w.Gid
	rlimits := w.Rlimits
	umask := w.Umask
	registry := w.registry
	useSockets := w.UseSockets
	stdoutSink := w.StdoutSink
	stderrSink := w.StderrSink
	stdin := w.Stdin
	name := w.Name
	w.mu.Unlock()

	if w.CopyEnv {
		env = mergeParentEnv(env, w.CopyPath)
	}

	var extraFiles []*os.File
	sockEnv := make(map[string]string, len(env)+len(useSockets))
	for k, v := range env {
		sockEnv[k] = v
	}
	for _, sockName := range useSockets {
		if registry == nil {
			continue
		}
		_, file, ok := registry.GetFD(sockName)
		if !ok {
			continue
		}
		// ExtraFiles[i] is inherited by the child as fd 3+i.
		sockEnv[fmt.Sprintf("circus.sockets.%s", sockName)] = fmt.Sprintf("%d", 3+len(extraFiles))
		extraFiles = append(extraFiles, file)
	}

	expArgv, expDir, expEnv := ExpandAll(argv, workdir, sockEnv, wid)
	expEnv["CIRCUS_WID"] = fmt.Sprintf("%d", wid)

	if err := w.runHookAbort(HookBeforeSpawn, 0); err != nil {
		return err // spawn aborted before any process was created
	}

	p := &Process{Wid: wid, watcherName: name}
	spec := ProcessSpawnSpec{
		Argv:    expArgv,
		Env:     expEnv,
		WorkDir: expDir,
		Uid:     uid,
		Gid:     gid,
		Umask:   umask,
		Rlimits: rlimits,
		Sockets: extraFiles,
	}
	if stdin != nil {
		if r, err := stdin.Open(wid); err == nil {
			spec.Stdin = r
		} else {
			w.logger.Warn("stdin source failed", "watcher", name, "error", err)
		}
	}
	var stdoutPipe, stderrPipe *pipeSink
	if stdoutSink != nil {
		if ps, err := newPipeSink(stdoutSink, 0, name, "stdout"); err == nil {
			spec.Stdout = ps
			stdoutPipe = ps
		}
	}
	if stderrSink != nil {
		if ps, err := newPipeSink(stderrSink, 0, name, "stderr"); err == nil {
			spec.Stderr = ps
			stderrPipe = ps
		}
	}

	if err := p.Spawn(spec); err != nil {
		w.publish("spawn", map[string]interface{}{"error": err.Error(), "wid": wid})
		return err
	}
	if stdoutPipe != nil {
		stdoutPipe.SetPid(p.Pid)
	}
	if stderrPipe != nil {
		stderrPipe.SetPid(p.Pid)
	}

	w.mu.Lock()
	w.pids[p.Pid] = p
	w.mu.Unlock()

	if err := w.runHookAbort(HookAfterSpawn, p.Pid); err != nil {
		// spawn aborted: the process exists but after_spawn rejected it,
		// so tear it down rather than leave it supervised.
		w.removeProcess(p.Pid)
		_ = p.Stop(w.StopSignal, w.GracefulTimeout, w.StopChildren)
		return err
	}
	w.publish("spawn", map[string]interface{}{"pid": p.Pid, "wid": wid})
	return nil
}

func (w *Watcher) resolveExecutable() string {
	if w.Executable != "" {
		return w.Executable
	}
	if w.Shell {
		return "/bin/sh"
	}
	return w.Cmd
}

// HandleExit is invoked by the Arbiter's reaper when a child of this
// watcher has been reaped. It records the exit, publishes `reap`,
// feeds the flap detector on unexpected exits, removes the pid, and
// re-reconciles (spec.md §4.6 "Child exit handling").
func (w *Watcher) HandleExit(pid, exitCode int, sig syscall.Signal, ru Rusage) {
	w.mu.Lock()
	p, ok := w.pids[pid]
	w.mu.Unlock()
	if !ok {
		return
	}

	p.MarkExited(exitCode, sig, ru)
	w.runHookLogOnly(HookAfterReap, pid)
	uptime := p.Age()
	w.publish("reap", map[string]interface{}{"pid": pid, "exit_code": exitCode, "wid": p.Wid})

	unexpected := (sig == 0 && exitCode != 0) || (sig != 0 && sig != w.StopSignal)
	w.removeProcess(pid)

	if unexpected {
		w.mu.Lock()
		status := w.status
		w.mu.Unlock()
		if status == WatcherStarting || status == WatcherActive {
			if outcome := w.flap.RecordExit(time.Now(), uptime); outcome == FlapGiveUp {
				w.mu.Lock()
				w.status = WatcherError
				w.mu.Unlock()
				w.publish("internal", map[string]interface{}{"reason": "flapping"})
				return
			}
		}
	}

	w.Reconcile()
}

func (w *Watcher) removeProcess(pid int) {
	w.mu.Lock()
	delete(w.pids, pid)
	w.mu.Unlock()
}

// Pids returns every live pid this Watcher currently owns.
func (w *Watcher) Pids() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.pids))
	for pid := range w.pids {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// pidKnown reports whether pid belongs to this Watcher, letting the
// Arbiter's reaper route a reaped pid to its owning Watcher without
// reaching into Watcher internals.
func (w *Watcher) pidKnown(pid int) (*Process, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pids[pid]
	return p, ok
}

func (w *Watcher) runHook(name string, pid int) error {
	if w.hooks == nil {
		return nil
	}
	w.mu.Lock()
	spec, ok := w.Hooks[name]
	wname := w.Name
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return w.hooks.Run(&spec, HookContext{Watcher: wname, Hook: name, Pid: pid})
}

// runHookAbort runs name and, when it fails, reports hook_failed and
// returns the error so the caller can abort or escalate the
// surrounding transition (spawn aborted, stop escalated, ...) per
// spec.md §7. runHook/HookRegistry.Run already resolve an
// ignore_failure=true hook to a nil error, so any non-nil error here
// is always the ignore_failure=false ("fail hard") case.
func (w *Watcher) runHookAbort(name string, pid int) error {
	if err := w.runHook(name, pid); err != nil {
		w.logger.Warn("hook failed", "watcher", w.Name, "hook", name, "error", err)
		w.publish("hook_failed", map[string]interface{}{"hook": name, "error": err.Error()})
		return err
	}
	return nil
}

// runHookLogOnly runs name and reports hook_failed on error without
// returning it. Reserved for after_reap: the reap it would "abort" has
// already happened by the time this runs, so there is nothing left to
// undo or escalate.
func (w *Watcher) runHookLogOnly(name string, pid int) {
	w.runHookAbort(name, pid)
}

func mergeParentEnv(env map[string]string, copyPath bool) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	if copyPath {
		out["PATH"] = os.Getenv("PATH")
	}
	return out
}
