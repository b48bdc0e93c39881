// Package snapshot loads and decodes circusd's YAML configuration
// file into the watcher/socket/plugin definitions the Arbiter needs,
// and watches it for changes. Grounded on the teacher's loadConfig in
// main.go (read-whole-file-then-unmarshal), generalized from JSON to
// YAML and from a flat service list to spec.md §3's full schema, and
// on the fsnotify-driven reload pattern used across the example pack
// (Nehonix-Team-XyPriss) for the watch side.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WatcherSpec is one `[watcher:name]` section of the config file,
// mirroring supervisor.Watcher's public fields (spec.md §3).
type WatcherSpec struct {
	Name            string            `yaml:"name"`
	Cmd             string            `yaml:"cmd"`
	Args            []string          `yaml:"args"`
	NumProcesses    int               `yaml:"numprocesses"`
	WorkingDir      string            `yaml:"working_dir"`
	Uid             string            `yaml:"uid"`
	Gid             string            `yaml:"gid"`
	Env             map[string]string `yaml:"env"`
	Shell           bool              `yaml:"shell"`
	Executable      string            `yaml:"executable"`
	StopSignal      string            `yaml:"stop_signal"`
	StopChildren    bool              `yaml:"stop_children"`
	GracefulTimeout float64           `yaml:"graceful_timeout"`
	WarmupDelay     float64           `yaml:"warmup_delay"`
	MaxRetry        int               `yaml:"max_retry"`
	Respawn         *bool             `yaml:"respawn"`
	Autostart       *bool             `yaml:"autostart"`
	Singleton       bool              `yaml:"singleton"`
	CopyEnv         bool              `yaml:"copy_env"`
	CopyPath        bool              `yaml:"copy_path"`
	UseSockets      []string          `yaml:"use_sockets"`
	Rlimits         map[string]int64  `yaml:"rlimits"`
	Priority        int               `yaml:"priority"`
	Umask           string            `yaml:"umask"`
	Hooks           map[string]string `yaml:"hooks"`
	StdoutStream    *StreamSpec       `yaml:"stdout_stream"`
	StderrStream    *StreamSpec       `yaml:"stderr_stream"`
}

// StreamSpec describes a stdout/stderr sink (spec.md §4.3).
type StreamSpec struct {
	Class string `yaml:"class"` // "file", "ring", or ""
	Path  string `yaml:"path"`
	Lines int    `yaml:"max_lines"`
}

// SocketSpec is one `[socket:name]` section (spec.md §4.4).
type SocketSpec struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	Family      string `yaml:"family"` // "tcp" or "unix"
	Backlog     int    `yaml:"backlog"`
	SoReusePort bool   `yaml:"so_reuseport"`
	Umask       string `yaml:"umask"`
}

// PluginSpec is one `[plugin:name]` section (spec.md §4.8).
type PluginSpec struct {
	Name   string            `yaml:"name"`
	Use    string            `yaml:"use"`
	Config map[string]string `yaml:"config"`
}

// Global holds the Arbiter-wide section (spec.md §3/§6).
type Global struct {
	CheckDelay     float64 `yaml:"check_delay"`
	Endpoint       string  `yaml:"endpoint"`
	PubsubEndpoint string  `yaml:"pubsub_endpoint"`
	StatsEndpoint  string  `yaml:"stats_endpoint"`
	Umask          string  `yaml:"umask"`
	WarmupDelay    float64 `yaml:"warmup_delay"`
	LogLevel       string  `yaml:"loglevel"`
	LogOutput      string  `yaml:"logoutput"`
	Pidfile        string  `yaml:"pidfile"`
	NatsURL        string  `yaml:"nats_url"`
}

// Document is the root of the YAML config file.
type Document struct {
	Global   Global       `yaml:"circus"`
	Watchers []WatcherSpec `yaml:"watchers"`
	Sockets  []SocketSpec  `yaml:"sockets"`
	Plugins  []PluginSpec  `yaml:"plugins"`
}

// Load reads and decodes path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if doc.Global.CheckDelay <= 0 {
		doc.Global.CheckDelay = 5
	}
	return &doc, nil
}

// CheckDelayDuration converts the global check_delay to a Duration.
func (g Global) CheckDelayDuration() time.Duration {
	return time.Duration(g.CheckDelay * float64(time.Second))
}

// WarmupDelayDuration converts the global warmup_delay to a Duration.
func (g Global) WarmupDelayDuration() time.Duration {
	return time.Duration(g.WarmupDelay * float64(time.Second))
}
