//go:build linux

package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// descendantsOf walks /proc to find every process whose ancestry
// traces back to pid, for stop_children propagation and
// extended_stats (spec.md §4.1, §4.6). Best-effort: processes that
// exit mid-scan are simply skipped.
func descendantsOf(pid int) []int {
	parentOf := map[int]int{}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, e := range entries {
		childPid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, ok := readPPid(childPid)
		if !ok {
			continue
		}
		parentOf[childPid] = ppid
	}

	var out []int
	var visit func(root int)
	seen := map[int]bool{}
	visit = func(root int) {
		for child, parent := range parentOf {
			if parent == root && !seen[child] {
				seen[child] = true
				out = append(out, child)
				visit(child)
			}
		}
	}
	visit(pid)
	return out
}

func readPPid(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// Format: pid (comm) state ppid ...  -- comm may contain spaces or
	// parens, so split on the last ')' before reading fields.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

// procVitals is the live (not rusage-sampled) resource picture used by
// extended_stats: current RSS and open file descriptor count, read
// straight from /proc/[pid]/status and /proc/[pid]/fd.
func procVitals(pid int) (vmRSSKB int64, numFDs int, ok bool) {
	statusPath := filepath.Join("/proc", strconv.Itoa(pid), "status")
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != "VmRSS" {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(parts[1]))
		if len(fields) > 0 {
			vmRSSKB, _ = strconv.ParseInt(fields[0], 10, 64)
		}
		break
	}

	fdPath := filepath.Join("/proc", strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdPath)
	if err == nil {
		numFDs = len(entries)
	}
	return vmRSSKB, numFDs, true
}
