package supervisor

import (
	"fmt"
	"strconv"
	"syscall"
	"time"
)

// knownOptions enumerates the Watcher fields `set_opt`/`get_opt` may
// touch, replacing the source's freeform string dispatch with a
// discriminated set validated at call time (spec.md §9: "Dynamic
// typing → tagged options").
var knownOptions = map[string]bool{
	"cmd": true, "args": true, "numprocesses": true, "working_dir": true,
	"uid": true, "gid": true, "shell": true, "executable": true,
	"stop_signal": true, "stop_children": true, "graceful_timeout": true,
	"warmup_delay": true, "max_retry": true, "respawn": true,
	"autostart": true, "singleton": true, "copy_env": true,
	"copy_path": true, "priority": true, "umask": true,
}

// SetOpt validates and applies one option by name. Options that
// require respawn to take effect (spec.md §4.9) are applied live here;
// the Arbiter decides separately whether to trigger a reload.
func (w *Watcher) SetOpt(key string, value interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !knownOptions[key] {
		if w.Extra == nil {
			w.Extra = map[string]string{}
		}
		w.Extra[key] = fmt.Sprintf("%v", value)
		return nil
	}

	switch key {
	case "cmd":
		s, err := toString(value)
		if err != nil {
			return err
		}
		w.Cmd = s
	case "numprocesses":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		if w.Singleton && n > 1 {
			return fmt.Errorf("%w: singleton watcher cannot exceed 1 process", ErrBadArgument)
		}
		w.NumProcesses = n
	case "working_dir":
		s, err := toString(value)
		if err != nil {
			return err
		}
		w.WorkingDir = s
	case "uid":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		w.Uid = n
	case "gid":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		w.Gid = n
	case "shell":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.Shell = b
	case "executable":
		s, err := toString(value)
		if err != nil {
			return err
		}
		w.Executable = s
	case "stop_signal":
		s, err := toString(value)
		if err != nil {
			return err
		}
		sig, err := parseSignal(s)
		if err != nil {
			return err
		}
		w.StopSignal = sig
	case "stop_children":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.StopChildren = b
	case "graceful_timeout":
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		w.GracefulTimeout = time.Duration(f * float64(time.Second))
	case "warmup_delay":
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		w.WarmupDelay = time.Duration(f * float64(time.Second))
	case "max_retry":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		w.MaxRetry = n
	case "respawn":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.Respawn = b
	case "autostart":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.Autostart = b
	case "singleton":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		if b && w.NumProcesses > 1 {
			return fmt.Errorf("%w: cannot set singleton with numprocesses > 1", ErrBadArgument)
		}
		w.Singleton = b
	case "copy_env":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.CopyEnv = b
	case "copy_path":
		b, err := toBool(value)
		if err != nil {
			return err
		}
		w.CopyPath = b
	case "priority":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		w.Priority = n
	case "umask":
		n, err := toInt(value)
		if err != nil {
			return err
		}
		w.Umask = n
	}
	return nil
}

// GetOpt returns the current value of a named option.
func (w *Watcher) GetOpt(key string) (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch key {
	case "cmd":
		return w.Cmd, nil
	case "numprocesses":
		return w.NumProcesses, nil
	case "working_dir":
		return w.WorkingDir, nil
	case "uid":
		return w.Uid, nil
	case "gid":
		return w.Gid, nil
	case "shell":
		return w.Shell, nil
	case "executable":
		return w.Executable, nil
	case "stop_signal":
		return w.StopSignal.String(), nil
	case "stop_children":
		return w.StopChildren, nil
	case "graceful_timeout":
		return w.GracefulTimeout.Seconds(), nil
	case "warmup_delay":
		return w.WarmupDelay.Seconds(), nil
	case "max_retry":
		return w.MaxRetry, nil
	case "respawn":
		return w.Respawn, nil
	case "autostart":
		return w.Autostart, nil
	case "singleton":
		return w.Singleton, nil
	case "copy_env":
		return w.CopyEnv, nil
	case "copy_path":
		return w.CopyPath, nil
	case "priority":
		return w.Priority, nil
	case "umask":
		return w.Umask, nil
	default:
		if v, ok := w.Extra[key]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: unknown option %q", ErrBadArgument, key)
	}
}

// Options that require a graceful sequential reload to take effect,
// per spec.md §4.9's reload-diff rule.
var respawnRequiredOptions = map[string]bool{
	"cmd": true, "args": true, "executable": true, "uid": true,
	"gid": true, "env": true, "working_dir": true, "rlimits": true,
	"stop_signal": true, "shell": true, "copy_env": true, "copy_path": true,
}

// ApplySpec copies desired's declarative fields onto w and reports
// whether any changed field is in respawnRequiredOptions. The Arbiter's
// SIGHUP reload diff (spec.md §4.9) uses this to decide between
// applying a modified watcher live and routing it through a graceful
// sequential Reload.
func (w *Watcher) ApplySpec(desired *Watcher) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := map[string]bool{
		"cmd":          w.Cmd != desired.Cmd,
		"args":         !stringSliceEqual(w.Args, desired.Args),
		"executable":   w.Executable != desired.Executable,
		"uid":          w.Uid != desired.Uid,
		"gid":          w.Gid != desired.Gid,
		"env":          !stringMapEqual(w.Env, desired.Env),
		"working_dir":  w.WorkingDir != desired.WorkingDir,
		"rlimits":      !int64MapEqual(w.Rlimits, desired.Rlimits),
		"stop_signal":  w.StopSignal != desired.StopSignal,
		"shell":        w.Shell != desired.Shell,
		"copy_env":     w.CopyEnv != desired.CopyEnv,
		"copy_path":    w.CopyPath != desired.CopyPath,
	}
	respawnNeeded := false
	for key, isChanged := range changed {
		if isChanged && respawnRequiredOptions[key] {
			respawnNeeded = true
			break
		}
	}

	w.Cmd = desired.Cmd
	w.Args = desired.Args
	w.Executable = desired.Executable
	w.Uid = desired.Uid
	w.Gid = desired.Gid
	w.Env = desired.Env
	w.WorkingDir = desired.WorkingDir
	w.Rlimits = desired.Rlimits
	w.StopSignal = desired.StopSignal
	w.Shell = desired.Shell
	w.CopyEnv = desired.CopyEnv
	w.CopyPath = desired.CopyPath

	// Applied live regardless of respawnNeeded: these never require a
	// running process to be replaced to take effect.
	w.NumProcesses = desired.NumProcesses
	w.StopChildren = desired.StopChildren
	w.GracefulTimeout = desired.GracefulTimeout
	w.WarmupDelay = desired.WarmupDelay
	w.MaxRetry = desired.MaxRetry
	w.Respawn = desired.Respawn
	w.Autostart = desired.Autostart
	w.Singleton = desired.Singleton
	w.UseSockets = desired.UseSockets
	w.Priority = desired.Priority
	w.Umask = desired.Umask
	w.Hooks = desired.Hooks
	w.StdoutSink = desired.StdoutSink
	w.StderrSink = desired.StderrSink

	return respawnNeeded
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func int64MapEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func toString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string", ErrBadArgument)
	}
	return s, nil
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%w: expected bool", ErrBadArgument)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("%w: expected bool", ErrBadArgument)
	}
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: expected int", ErrBadArgument)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: expected int", ErrBadArgument)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: expected number", ErrBadArgument)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: expected number", ErrBadArgument)
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
		return 0, fmt.Errorf("%w: unknown signal %q", ErrBadArgument, name)
	}
}
