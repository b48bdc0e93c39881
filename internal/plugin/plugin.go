// Package plugin implements circusd's plugin contract (spec.md §4.8):
// a plugin observes bus events and may call back into the Arbiter, but
// runs as an ordinary implicitly-created Watcher rather than as
// in-process code, so a misbehaving plugin can't corrupt the
// supervisor's own state. Grounded on kdlbs-kandev's use of
// google/uuid for instance identity (executor.go) applied here to
// name each plugin's backing watcher uniquely.
package plugin

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/diorcety/circus/internal/eventbus"
	"github.com/diorcety/circus/internal/supervisor"
)

// Spec describes one `[plugin:name]` config section (spec.md §4.8):
// a plugin is launched as a regular command, typically a small script
// or binary, and receives bus events as newline-delimited JSON on
// stdin if WantsEvents is set.
type Spec struct {
	Name        string
	Use         string // argv[0]; config values are passed as env vars
	Args        []string
	Config      map[string]string
	WantsEvents bool
	Topics      []string // only Topics[0] is used, as the forwarded topic prefix; empty = all
}

// Contract is what the Arbiter expects a running plugin process to be
// able to do from the supervisor's side: look after it like any other
// Watcher (look_after == Watcher.Reconcile), and forward matching bus
// events to it.
type Contract struct {
	Watcher *supervisor.Watcher
	sub     *eventbus.Subscription
	stdinSub *eventbus.Subscription
	done    chan struct{}
}

// instanceName returns a unique, stable-prefixed watcher name so
// plugin watchers never collide with user-defined ones and are easy
// to filter out of `list` output if desired.
func instanceName(spec Spec) string {
	return fmt.Sprintf("plugin:%s:%s", spec.Name, uuid.New().String())
}

// New builds the backing Watcher for spec and, if WantsEvents is set,
// subscribes it to bus and forwards matching events to the plugin
// process's stdin.
func New(spec Spec, bus *eventbus.Bus) (*Contract, error) {
	w := supervisor.NewWatcher(instanceName(spec))
	w.Cmd = spec.Use
	w.Args = append([]string(nil), spec.Args...)
	w.NumProcesses = 1
	w.Singleton = true
	w.Respawn = true
	w.Autostart = true
	if w.Env == nil {
		w.Env = map[string]string{}
	}
	for k, v := range spec.Config {
		w.Env["CIRCUS_PLUGIN_"+k] = v
	}

	c := &Contract{Watcher: w, done: make(chan struct{})}
	if spec.WantsEvents && bus != nil {
		prefix := ""
		if len(spec.Topics) > 0 {
			prefix = spec.Topics[0]
		}
		// Two independent subscriptions on the same prefix: c.sub backs
		// Events() for in-process callers/tests, stdinSub backs the
		// actual process transport. Each gets its own fanned-out copy of
		// every matching event, so neither consumer starves the other.
		c.sub = bus.Subscribe(prefix)
		c.stdinSub = bus.Subscribe(prefix)
		w.Stdin = &eventStdin{sub: c.stdinSub, done: c.done}
	}
	return c, nil
}

// eventStdin satisfies supervisor.StdinSource, turning the contract's
// bus subscription into the plugin process's stdin: one newline-
// delimited JSON object per event, `{"topic": ..., "payload": ...}`,
// per spec.md §4.8's handle_recv delivery. Open is called fresh by
// spawnOne on every (re)spawn, since a respawned plugin process needs
// its own pipe.
type eventStdin struct {
	sub  *eventbus.Subscription
	done chan struct{}
}

func (e *eventStdin) Open(wid int) (io.Reader, error) {
	pr, pw := io.Pipe()
	go e.pump(pw)
	return pr, nil
}

func (e *eventStdin) pump(pw *io.PipeWriter) {
	enc := json.NewEncoder(pw)
	for {
		select {
		case ev, ok := <-e.sub.C():
			if !ok {
				pw.Close()
				return
			}
			if err := enc.Encode(map[string]interface{}{"topic": ev.Topic, "payload": ev.Payload}); err != nil {
				pw.Close()
				return
			}
		case <-e.done:
			pw.Close()
			return
		}
	}
}

// Call handles the plugin's own Watcher lifecycle, matching
// spec.md §4.8's "look_after": plugins are supervised exactly like any
// other watcher, no special-cased restart logic.
func (c *Contract) Call() error {
	return c.Watcher.Start()
}

// Stop unsubscribes from the bus (if subscribed) and stops the
// backing process.
func (c *Contract) Stop(bus *eventbus.Bus) error {
	close(c.done)
	if bus != nil {
		if c.sub != nil {
			bus.Unsubscribe(c.sub)
		}
		if c.stdinSub != nil {
			bus.Unsubscribe(c.stdinSub)
		}
	}
	return c.Watcher.Stop()
}

// Events returns the channel of bus events this plugin receives, or
// nil if it didn't opt into event delivery.
func (c *Contract) Events() <-chan eventbus.Event {
	if c.sub == nil {
		return nil
	}
	return c.sub.C()
}
