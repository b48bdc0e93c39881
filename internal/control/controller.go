// Package control implements circusd's command endpoint: JSON command
// dispatch over the Arbiter, serialized onto the event loop exactly
// the way Watcher/Process mutations are (spec.md §6). Grounded on the
// teacher's Supervisor command surface (AddProcess/StopAll/etc. called
// from main.go) generalized into a single typed dispatcher, and on
// kdlbs-kandev's gorilla/websocket transport for the wire layer.
package control

import (
	"fmt"
	"sort"
	"syscall"

	"github.com/diorcety/circus/internal/supervisor"
	"github.com/diorcety/circus/pkg/rpc"
)

// Controller dispatches rpc.Request commands against an Arbiter. Every
// Dispatch call is routed through Arbiter.Submit so command handling
// never races the event loop (spec.md §5).
type Controller struct {
	arbiter *supervisor.Arbiter
	onQuit  func()
}

// NewController builds a Controller bound to arbiter. onQuit, if
// non-nil, is invoked for the "quit" command after the Arbiter has
// stopped.
func NewController(arbiter *supervisor.Arbiter, onQuit func()) *Controller {
	return &Controller{arbiter: arbiter, onQuit: onQuit}
}

// Dispatch handles one request synchronously, blocking the caller
// until the corresponding event-loop closure has run.
func (c *Controller) Dispatch(req rpc.Request) rpc.Reply {
	type result struct {
		reply rpc.Reply
	}
	done := make(chan result, 1)

	c.arbiter.Submit(func() {
		done <- result{reply: c.handle(req)}
	})
	r := <-done
	return r.reply
}

func (c *Controller) handle(req rpc.Request) rpc.Reply {
	switch req.Command {
	case "list":
		return c.list()
	case "status":
		return c.status(req)
	case "start":
		return c.withWatcher(req, func(w *supervisor.Watcher) error { return w.Start() })
	case "stop":
		return c.withWatcher(req, func(w *supervisor.Watcher) error { return w.Stop() })
	case "restart":
		return c.withWatcher(req, func(w *supervisor.Watcher) error { return w.Restart() })
	case "reload":
		return c.reload(req)
	case "numprocesses":
		return c.numprocesses(req)
	case "incr":
		return c.incrDecr(req, true)
	case "decr":
		return c.incrDecr(req, false)
	case "get":
		return c.getOpt(req)
	case "set":
		return c.setOpt(req)
	case "options":
		return c.options(req)
	case "signal":
		return c.signal(req)
	case "stats":
		return c.stats(req)
	case "add":
		return c.add(req)
	case "rm":
		return c.rm(req)
	case "quit":
		return c.quit()
	default:
		return rpc.Error(supervisor.Reason(supervisor.ErrUnknownCommand))
	}
}

func (c *Controller) watcherName(req rpc.Request) (string, error) {
	name, _ := req.Properties["name"].(string)
	if name == "" {
		return "", fmt.Errorf("%w: missing \"name\"", supervisor.ErrBadArgument)
	}
	return name, nil
}

func (c *Controller) lookupWatcher(req rpc.Request) (*supervisor.Watcher, error) {
	name, err := c.watcherName(req)
	if err != nil {
		return nil, err
	}
	w, ok := c.arbiter.Watcher(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", supervisor.ErrUnknownWatcher, name)
	}
	return w, nil
}

func (c *Controller) withWatcher(req rpc.Request, fn func(*supervisor.Watcher) error) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	if err := fn(w); err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(nil)
}

func (c *Controller) list() rpc.Reply {
	names := make([]string, 0)
	for _, w := range c.arbiter.OrderedWatchers(false) {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	return rpc.OK(map[string]interface{}{"watchers": names})
}

func (c *Controller) status(req rpc.Request) rpc.Reply {
	if name, _ := req.Properties["name"].(string); name != "" {
		w, ok := c.arbiter.Watcher(name)
		if !ok {
			return rpc.Error(supervisor.Reason(supervisor.ErrUnknownWatcher))
		}
		return rpc.OK(map[string]interface{}{"status": w.Status().String()})
	}
	out := map[string]string{}
	for _, w := range c.arbiter.OrderedWatchers(false) {
		out[w.Name] = w.Status().String()
	}
	return rpc.OK(map[string]interface{}{"statuses": out})
}

func (c *Controller) reload(req rpc.Request) rpc.Reply {
	graceful := true
	sequential := false
	if v, ok := req.Properties["graceful"].(bool); ok {
		graceful = v
	}
	if v, ok := req.Properties["sequential"].(bool); ok {
		sequential = v
	}
	if name, _ := req.Properties["name"].(string); name != "" {
		return c.withWatcher(req, func(w *supervisor.Watcher) error {
			return w.Reload(sequential, graceful)
		})
	}
	for _, w := range c.arbiter.OrderedWatchers(false) {
		if err := w.Reload(sequential, graceful); err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
	}
	return rpc.OK(nil)
}

func (c *Controller) numprocesses(req rpc.Request) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	if n, ok := req.Properties["numprocesses"]; ok {
		count, cerr := toInt(n)
		if cerr != nil {
			return rpc.Error(supervisor.Reason(cerr))
		}
		if err := w.SetOpt("numprocesses", count); err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
		w.Reconcile()
	}
	v, _ := w.GetOpt("numprocesses")
	return rpc.OK(map[string]interface{}{"numprocesses": v})
}

func (c *Controller) incrDecr(req rpc.Request, incr bool) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	n := 1
	if v, ok := req.Properties["nb"]; ok {
		n, err = toInt(v)
		if err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
	}
	var count int
	if incr {
		count, err = w.Incr(n)
	} else {
		count, err = w.Decr(n)
	}
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(map[string]interface{}{"numprocesses": count})
}

func (c *Controller) getOpt(req rpc.Request) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	key, _ := req.Properties["key"].(string)
	v, err := w.GetOpt(key)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(map[string]interface{}{"key": key, "value": v})
}

func (c *Controller) setOpt(req rpc.Request) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	key, _ := req.Properties["key"].(string)
	value := req.Properties["value"]
	if err := w.SetOpt(key, value); err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(nil)
}

func (c *Controller) options(req rpc.Request) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	out := map[string]interface{}{}
	for _, key := range []string{
		"cmd", "numprocesses", "working_dir", "uid", "gid", "shell",
		"executable", "stop_signal", "stop_children", "graceful_timeout",
		"warmup_delay", "max_retry", "respawn", "autostart", "singleton",
		"copy_env", "copy_path", "priority", "umask",
	} {
		if v, err := w.GetOpt(key); err == nil {
			out[key] = v
		}
	}
	return rpc.OK(out)
}

func (c *Controller) signal(req rpc.Request) rpc.Reply {
	w, err := c.lookupWatcher(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	pid := 0
	if v, ok := req.Properties["pid"]; ok {
		pid, err = toInt(v)
		if err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
	}
	sigName, _ := req.Properties["signal"].(string)
	sig := syscall.SIGTERM
	if sigName != "" {
		parsed, err := parseSignalName(sigName)
		if err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
		sig = parsed
	}
	if err := w.Signal(pid, sig); err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(nil)
}

func (c *Controller) stats(req rpc.Request) rpc.Reply {
	if name, _ := req.Properties["name"].(string); name != "" {
		w, ok := c.arbiter.Watcher(name)
		if !ok {
			return rpc.Error(supervisor.Reason(supervisor.ErrUnknownWatcher))
		}
		return rpc.OK(w.Stats())
	}
	out := map[string]interface{}{}
	for _, w := range c.arbiter.OrderedWatchers(false) {
		out[w.Name] = w.Stats()
	}
	return rpc.OK(out)
}

func (c *Controller) add(req rpc.Request) rpc.Reply {
	name, err := c.watcherName(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	w := supervisor.NewWatcher(name)
	if cmd, ok := req.Properties["cmd"].(string); ok {
		w.Cmd = cmd
	}
	if args, ok := req.Properties["args"].([]interface{}); ok {
		for _, a := range args {
			if s, ok := a.(string); ok {
				w.Args = append(w.Args, s)
			}
		}
	}
	if n, ok := req.Properties["numprocesses"]; ok {
		count, cerr := toInt(n)
		if cerr == nil {
			w.NumProcesses = count
		}
	}
	start := true
	if v, ok := req.Properties["start"].(bool); ok {
		start = v
	}
	if err := c.arbiter.AddWatcher(w); err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	if start {
		if err := w.Start(); err != nil {
			return rpc.Error(supervisor.Reason(err))
		}
	}
	return rpc.OK(nil)
}

func (c *Controller) rm(req rpc.Request) rpc.Reply {
	name, err := c.watcherName(req)
	if err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	if err := c.arbiter.RemoveWatcher(name); err != nil {
		return rpc.Error(supervisor.Reason(err))
	}
	return rpc.OK(nil)
}

func (c *Controller) quit() rpc.Reply {
	go func() {
		c.arbiter.Stop()
		if c.onQuit != nil {
			c.onQuit()
		}
	}()
	return rpc.OK(nil)
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: expected number", supervisor.ErrBadArgument)
	}
}

func parseSignalName(name string) (syscall.Signal, error) {
	switch name {
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, nil
	case "SIGKILL", "KILL":
		return syscall.SIGKILL, nil
	case "SIGINT", "INT":
		return syscall.SIGINT, nil
	case "SIGHUP", "HUP":
		return syscall.SIGHUP, nil
	case "SIGQUIT", "QUIT":
		return syscall.SIGQUIT, nil
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1, nil
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2, nil
	default:
		return 0, fmt.Errorf("%w: unknown signal %q", supervisor.ErrBadArgument, name)
	}
}
