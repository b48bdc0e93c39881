package supervisor

import (
	"fmt"
)

// Supported hook names, per spec.md §4.4.
const (
	HookBeforeStart    = "before_start"
	HookAfterStart     = "after_start"
	HookBeforeSpawn    = "before_spawn"
	HookAfterSpawn     = "after_spawn"
	HookBeforeStop     = "before_stop"
	HookAfterStop      = "after_stop"
	HookBeforeSignal   = "before_signal"
	HookAfterReap      = "after_reap"
	HookExtendedStats  = "extended_stats"
)

// HookContext is passed to every hook invocation.
type HookContext struct {
	Watcher string
	Hook    string
	Pid     int // 0 when not applicable
}

// HookFunc is the shape of a user-supplied callable. It is the
// injected collaborator spec.md §9 calls for in place of
// callback/monkey-patch registration.
type HookFunc func(HookContext) error

// HookSpec is one `(target, ignore_failure)` entry from a watcher's
// `hooks` mapping.
type HookSpec struct {
	Target        string
	IgnoreFailure bool
}

// HookRegistry resolves hook targets to callables. Callers populate it
// before Arbiter.Start; it is the "FileInfoProvider"/"ControlClient"-style
// injection point spec.md §9 describes for tests.
type HookRegistry struct {
	funcs map[string]HookFunc
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{funcs: make(map[string]HookFunc)}
}

func (r *HookRegistry) Register(target string, fn HookFunc) {
	r.funcs[target] = fn
}

// Run invokes the hook named by spec, if one is configured for
// ctx.Hook, applying the fail-soft/fail-hard policy. A nil spec (no
// hook configured) is always a no-op success.
func (r *HookRegistry) Run(spec *HookSpec, ctx HookContext) (err error) {
	if spec == nil || spec.Target == "" {
		return nil
	}
	fn, ok := r.funcs[spec.Target]
	if !ok {
		err = fmt.Errorf("%w: hook target %q not registered", ErrHookFailed, spec.Target)
	} else {
		err = r.invoke(fn, ctx)
	}
	if err != nil && spec.IgnoreFailure {
		return nil
	}
	return err
}

func (r *HookRegistry) invoke(fn HookFunc, ctx HookContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: hook panicked: %v", ErrHookFailed, rec)
		}
	}()
	if herr := fn(ctx); herr != nil {
		return fmt.Errorf("%w: %v", ErrHookFailed, herr)
	}
	return nil
}
