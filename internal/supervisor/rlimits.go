package supervisor

import (
	"fmt"
	"strings"
)

// rlimitShellNames maps the rlimit names accepted in a watcher's
// `rlimits` mapping to the `ulimit` flag that sets them. This mirrors
// the teacher's cgroup.go approach of confining a child's resource
// usage from outside the child itself (cgroup.procs / memory.max /
// cpu.max there), but rlimits are a per-process, setrlimit(2)-backed
// limit rather than a cgroup, so the mechanism here wraps the child in
// a shell that calls ulimit before exec'ing it — the same technique
// the teacher's single-command mode already uses ("exec " + cmd) to
// keep the real process directly in our process group.
var rlimitShellNames = map[string]string{
	"core":       "-c",
	"cpu":        "-t",
	"data":       "-d",
	"fsize":      "-f",
	"memlock":    "-l",
	"nofile":     "-n",
	"nproc":      "-u",
	"rss":        "-m",
	"stack":      "-s",
	"as":         "-v",
	"sigpending": "-i",
}

func validateRlimits(limits map[string]int64) error {
	for name := range limits {
		if _, ok := rlimitShellNames[strings.ToLower(name)]; !ok {
			return fmt.Errorf("unknown rlimit %q", name)
		}
	}
	return nil
}

// wrapForLimits returns argv unchanged when no rlimits/umask are
// requested, otherwise wraps it in `/bin/sh -c 'ulimit ...; umask ...;
// exec "$@"' -- argv...` so limits are applied in the child, before
// exec, as spec.md §4.1 requires.
func wrapForLimits(argv []string, limits map[string]int64, umask int) ([]string, error) {
	if len(limits) == 0 && umask == 0 {
		return argv, nil
	}
	if err := validateRlimits(limits); err != nil {
		return nil, err
	}

	var script strings.Builder
	for name, value := range limits {
		flag := rlimitShellNames[strings.ToLower(name)]
		limitStr := "unlimited"
		if value >= 0 {
			limitStr = fmt.Sprintf("%d", value)
		}
		fmt.Fprintf(&script, "ulimit %s %s 2>/dev/null; ", flag, limitStr)
	}
	if umask != 0 {
		fmt.Fprintf(&script, "umask %04o; ", umask)
	}
	script.WriteString(`exec "$@"`)

	wrapped := make([]string, 0, len(argv)+4)
	wrapped = append(wrapped, "/bin/sh", "-c", script.String(), "--")
	wrapped = append(wrapped, argv...)
	return wrapped, nil
}
