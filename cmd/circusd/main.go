// Command circusd is the process-supervisor daemon: it loads a YAML
// config file, builds an Arbiter with one Watcher per configured
// process group, starts them, and serves the control/pubsub
// endpoints until told to quit. Grounded on the teacher's main.go
// (flag parsing → config load → supervisor construction → Run) with
// flag.Parse replaced by spf13/cobra per the example pack's CLI idiom
// (Nehonix-Team-XyPriss's internal/cli, kdlbs-kandev's cmd entrypoints).
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diorcety/circus/internal/control"
	"github.com/diorcety/circus/internal/eventbus"
	"github.com/diorcety/circus/internal/logging"
	"github.com/diorcety/circus/internal/plugin"
	"github.com/diorcety/circus/internal/snapshot"
	"github.com/diorcety/circus/internal/supervisor"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "circusd",
	Short: "circusd supervises and controls a set of processes",
	Long:  "circusd loads a YAML process-supervision config and keeps every configured watcher's processes alive, reachable over a control and pubsub endpoint.",
	RunE:  run,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the circus YAML config file")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "circusd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	doc, err := snapshot.Load(configPath)
	if err != nil {
		return err
	}
	if v := os.Getenv("CIRCUS_ENDPOINT"); v != "" {
		doc.Global.Endpoint = v
	}
	if v := os.Getenv("CIRCUS_PUBSUB_ENDPOINT"); v != "" {
		doc.Global.PubsubEndpoint = v
	}
	if v := os.Getenv("CIRCUS_STATS_ENDPOINT"); v != "" {
		doc.Global.StatsEndpoint = v
	}

	logger, err := logging.New(logging.Config{Level: doc.Global.LogLevel, Format: "console", OutputPath: doc.Global.LogOutput})
	if err != nil {
		logger = logging.Default()
	}
	defer logger.Sync()

	bus := eventbus.NewBus(100)
	if doc.Global.NatsURL != "" {
		relay, err := eventbus.NewNATSRelay(eventbus.NATSConfig{URL: doc.Global.NatsURL, ClientID: "circusd", SubjectPrefix: "circus"}, logger)
		if err != nil {
			logger.Warn("nats relay disabled", "error", err.Error())
		} else {
			bus.AddRelay(relay)
			defer relay.Close()
		}
	}
	wsRelay := eventbus.NewWebsocketRelay()
	bus.AddRelay(wsRelay)

	statsRelay := eventbus.NewWebsocketRelay()
	bus.AddRelay(eventbus.PrefixRelay{Prefix: "stats.", Inner: statsRelay})

	arbiter := supervisor.NewArbiter(supervisor.GlobalOptions{
		CheckDelay:  doc.Global.CheckDelayDuration(),
		Endpoint:    doc.Global.Endpoint,
		PubsubEndpoint: doc.Global.PubsubEndpoint,
		StatsEndpoint:  doc.Global.StatsEndpoint,
		WarmupDelay: doc.Global.WarmupDelayDuration(),
		LogLevel:    doc.Global.LogLevel,
		Pidfile:     doc.Global.Pidfile,
	})
	arbiter.Logger = logger
	arbiter.Bus = bus

	var plugins []*plugin.Contract
	for _, ps := range doc.Plugins {
		contract, err := plugin.New(plugin.Spec{
			Name:        ps.Name,
			Use:         ps.Use,
			Config:      ps.Config,
			WantsEvents: true,
		}, bus)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", ps.Name, err)
		}
		if err := arbiter.AddWatcher(contract.Watcher); err != nil {
			return fmt.Errorf("plugin %q: %w", ps.Name, err)
		}
		plugins = append(plugins, contract)
	}
	defer func() {
		for _, c := range plugins {
			_ = c.Stop(bus)
		}
	}()

	for _, ws := range doc.Watchers {
		w, err := buildWatcher(ws)
		if err != nil {
			return fmt.Errorf("watcher %q: %w", ws.Name, err)
		}
		registerShellHooks(arbiter.Hooks, w)
		if err := arbiter.AddWatcher(w); err != nil {
			return fmt.Errorf("watcher %q: %w", ws.Name, err)
		}
	}

	var socketSpecs []supervisor.SocketSpec
	for _, ss := range doc.Sockets {
		socketSpecs = append(socketSpecs, supervisor.SocketSpec{
			Name:        ss.Name,
			Family:      ss.Family,
			Host:        ss.Host,
			Port:        ss.Port,
			Path:        ss.Path,
			Backlog:     ss.Backlog,
			SoReusePort: ss.SoReusePort,
		})
	}

	if err := arbiter.Start(socketSpecs); err != nil {
		return err
	}

	controller := control.NewController(arbiter, func() { os.Exit(0) })
	ctrlServer := control.NewServer(controller)
	if doc.Global.Endpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/", ctrlServer)
		go http.ListenAndServe(doc.Global.Endpoint, mux)
	}
	if doc.Global.PubsubEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/", wsRelay)
		go http.ListenAndServe(doc.Global.PubsubEndpoint, mux)
	}
	if doc.Global.StatsEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/", statsRelay)
		go http.ListenAndServe(doc.Global.StatsEndpoint, mux)
	}

	// reloadConfig re-reads configPath and applies the diff to the
	// running Arbiter (spec.md §4.9's SIGHUP reload rule). Both a
	// SIGHUP and a config-file change funnel through here so the two
	// triggers behave identically.
	reloadConfig := func() {
		newDoc, err := snapshot.Load(configPath)
		if err != nil {
			logger.Warn("reload: failed to read config", "error", err.Error())
			return
		}
		build := func(spec snapshot.WatcherSpec) (*supervisor.Watcher, error) {
			w, err := buildWatcher(spec)
			if err != nil {
				return nil, err
			}
			registerShellHooks(arbiter.Hooks, w)
			return w, nil
		}
		if err := arbiter.ReloadFrom(newDoc, build); err != nil {
			logger.Warn("reload failed", "error", err.Error())
		}
	}
	arbiter.OnReload = reloadConfig

	cfgWatcher, err := snapshot.NewWatcher(configPath)
	if err == nil {
		go cfgWatcher.Watch(func() {
			logger.Info("config file changed, reloading")
			arbiter.Submit(reloadConfig)
		})
		defer cfgWatcher.Close()
	}

	if doc.Global.Pidfile != "" {
		_ = os.WriteFile(doc.Global.Pidfile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
		defer os.Remove(doc.Global.Pidfile)
	}

	arbiter.Wait()
	return nil
}

func buildWatcher(spec snapshot.WatcherSpec) (*supervisor.Watcher, error) {
	w := supervisor.NewWatcher(spec.Name)
	w.Cmd = spec.Cmd
	w.Args = spec.Args
	if spec.NumProcesses > 0 {
		w.NumProcesses = spec.NumProcesses
	}
	w.WorkingDir = spec.WorkingDir
	w.Env = spec.Env
	w.Shell = spec.Shell
	w.Executable = spec.Executable
	w.StopChildren = spec.StopChildren
	w.Singleton = spec.Singleton
	w.CopyEnv = spec.CopyEnv
	w.CopyPath = spec.CopyPath
	w.UseSockets = spec.UseSockets
	w.Rlimits = spec.Rlimits
	w.Priority = spec.Priority

	if spec.Uid != "" {
		uid, gid, err := supervisor.LookupUser(spec.Uid)
		if err != nil {
			return nil, fmt.Errorf("uid %q: %w", spec.Uid, err)
		}
		w.Uid = uid
		w.Gid = gid
	}
	if spec.Gid != "" {
		if _, gid, err := supervisor.LookupUser(spec.Gid); err == nil {
			w.Gid = gid
		} else if n, err := strconv.Atoi(spec.Gid); err == nil {
			w.Gid = n
		}
	}

	if spec.GracefulTimeout > 0 {
		w.GracefulTimeout = time.Duration(spec.GracefulTimeout * float64(time.Second))
	}
	if spec.WarmupDelay > 0 {
		w.WarmupDelay = time.Duration(spec.WarmupDelay * float64(time.Second))
	}
	if spec.MaxRetry > 0 {
		w.MaxRetry = spec.MaxRetry
	}
	if spec.Respawn != nil {
		w.Respawn = *spec.Respawn
	}
	if spec.Autostart != nil {
		w.Autostart = *spec.Autostart
	}
	if spec.StopSignal != "" {
		sig, err := parseSignal(spec.StopSignal)
		if err != nil {
			return nil, err
		}
		w.StopSignal = sig
	}

	for target, hook := range spec.Hooks {
		w.Hooks[target] = supervisor.HookSpec{Target: hook}
	}

	if spec.StdoutStream != nil {
		sink, err := buildSink(*spec.StdoutStream)
		if err != nil {
			return nil, err
		}
		w.StdoutSink = sink
	}
	if spec.StderrStream != nil {
		sink, err := buildSink(*spec.StderrStream)
		if err != nil {
			return nil, err
		}
		w.StderrSink = sink
	}
	return w, nil
}

// registerShellHooks wires every hook target declared on w as a shell
// command, so config-driven hooks work out of the box while embedders
// (and tests) can still call arbiter.Hooks.Register directly for an
// in-process callable, per spec.md §9's "explicit registration over
// dynamic dispatch" decision.
func registerShellHooks(registry *supervisor.HookRegistry, w *supervisor.Watcher) {
	for _, spec := range w.Hooks {
		target := spec.Target
		registry.Register(target, func(ctx supervisor.HookContext) error {
			cmd := exec.Command("/bin/sh", "-c", target)
			cmd.Env = append(os.Environ(),
				fmt.Sprintf("CIRCUS_HOOK_NAME=%s", ctx.Hook),
				fmt.Sprintf("CIRCUS_WATCHER_NAME=%s", ctx.Watcher),
				fmt.Sprintf("CIRCUS_PROCESS_PID=%d", ctx.Pid),
			)
			return cmd.Run()
		})
	}
}

func buildSink(spec snapshot.StreamSpec) (supervisor.Sink, error) {
	switch spec.Class {
	case "file":
		return supervisor.NewFileSink(spec.Path)
	case "ring":
		return supervisor.NewRingSink(spec.Lines), nil
	default:
		return nil, nil
	}
}

func parseSignal(name string) (syscall.Signal, error) {
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
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
