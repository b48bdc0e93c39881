package supervisor

import (
	"sort"

	"github.com/diorcety/circus/internal/snapshot"
)

// ReloadFrom diffs doc's watchers against the Arbiter's current set and
// applies the result, per spec.md §4.9's "Reload of configuration
// (SIGHUP)" rule:
//   - removed  → stop and drop;
//   - added    → create and start if autostart;
//   - modified → apply setters; options in respawnRequiredOptions
//     trigger a graceful sequential Reload of that Watcher instead of a
//     live apply.
//
// build constructs a Watcher from one WatcherSpec exactly the way
// circusd's config loader does (uid/gid lookup, signal parsing, hook
// registration), so ReloadFrom stays agnostic of that field mapping and
// there is one codepath, not two, turning a spec into a Watcher.
//
// Added/modified watchers are processed together in priority-descending
// order, matching Start's ordering; removals run last, since a watcher
// being dropped entirely has no ordering dependency on its peers.
func (a *Arbiter) ReloadFrom(doc *snapshot.Document, build func(snapshot.WatcherSpec) (*Watcher, error)) error {
	a.mu.Lock()
	existing := make(map[string]bool, len(a.watchers))
	for name := range a.watchers {
		existing[name] = true
	}
	a.mu.Unlock()

	specs := append([]snapshot.WatcherSpec(nil), doc.Watchers...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Priority > specs[j].Priority })

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		seen[spec.Name] = true

		desired, err := build(spec)
		if err != nil {
			a.Logger.Warn("reload: invalid watcher spec, skipping", "watcher", spec.Name, "error", err.Error())
			continue
		}

		if !existing[spec.Name] {
			if err := a.AddWatcher(desired); err != nil {
				a.Logger.Warn("reload: add watcher failed", "watcher", spec.Name, "error", err.Error())
				continue
			}
			if desired.Autostart {
				if err := desired.Start(); err != nil {
					a.Logger.Warn("reload: start new watcher failed", "watcher", spec.Name, "error", err.Error())
				}
			}
			continue
		}

		w, ok := a.Watcher(spec.Name)
		if !ok {
			continue
		}
		if w.ApplySpec(desired) {
			if err := w.Reload(true, true); err != nil {
				a.Logger.Warn("reload: graceful reload failed", "watcher", spec.Name, "error", err.Error())
			}
		} else {
			w.Reconcile()
		}
	}

	for name := range existing {
		if seen[name] {
			continue
		}
		if err := a.RemoveWatcher(name); err != nil {
			a.Logger.Warn("reload: remove watcher failed", "watcher", name, "error", err.Error())
		}
	}

	return nil
}
