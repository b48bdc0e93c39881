package supervisor

// ProcessStats is one process's entry in a Watcher's `stats` reply.
type ProcessStats struct {
	Pid        int
	Wid        int
	Age        float64
	CPU        float64
	MemoryKB   int64
	Descendants []int

	// NumFDs and LiveMemoryKB are live /proc readings (Linux only) used
	// by extended_stats (spec.md §4.6), as opposed to MemoryKB above
	// which is the rusage max-RSS sampled at process exit/reap time.
	NumFDs       int
	LiveMemoryKB int64
}

// WatcherStats aggregates per-process stats for the `stats` command.
type WatcherStats struct {
	Name    string
	Status  string
	Procs   []ProcessStats
}

// Stats reports current per-process resource usage, grounded in
// Process.Info()'s rusage + descendant collection (spec.md §4.1, §6
// stats endpoint).
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	procs := w.allProcsLocked()
	status := w.status
	name := w.Name
	w.mu.Unlock()

	out := WatcherStats{Name: name, Status: status.String()}
	for _, p := range procs {
		ru, descendants := p.Info()
		liveMemKB, numFDs, _ := procVitals(p.Pid)
		out.Procs = append(out.Procs, ProcessStats{
			Pid:          p.Pid,
			Wid:          p.Wid,
			Age:          p.Age().Seconds(),
			CPU:          ru.UserTime.Seconds() + ru.SystemTime.Seconds(),
			MemoryKB:     ru.MaxRSS,
			Descendants:  descendants,
			NumFDs:       numFDs,
			LiveMemoryKB: liveMemKB,
		})
	}
	return out
}
