package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookRegistryRunsRegisteredTarget(t *testing.T) {
	r := NewHookRegistry()
	var gotCtx HookContext
	r.Register("notify-ops", func(ctx HookContext) error {
		gotCtx = ctx
		return nil
	})

	spec := &HookSpec{Target: "notify-ops"}
	err := r.Run(spec, HookContext{Watcher: "web", Hook: HookAfterStart, Pid: 42})
	require.NoError(t, err)
	assert.Equal(t, "web", gotCtx.Watcher)
	assert.Equal(t, HookAfterStart, gotCtx.Hook)
	assert.Equal(t, 42, gotCtx.Pid)
}

func TestHookRegistryNilSpecIsNoop(t *testing.T) {
	r := NewHookRegistry()
	assert.NoError(t, r.Run(nil, HookContext{}))
	assert.NoError(t, r.Run(&HookSpec{}, HookContext{}))
}

func TestHookRegistryUnregisteredTargetFails(t *testing.T) {
	r := NewHookRegistry()
	err := r.Run(&HookSpec{Target: "missing"}, HookContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
}

func TestHookRegistryIgnoreFailureSuppressesError(t *testing.T) {
	r := NewHookRegistry()
	r.Register("always-fails", func(HookContext) error { return errors.New("boom") })
	err := r.Run(&HookSpec{Target: "always-fails", IgnoreFailure: true}, HookContext{})
	assert.NoError(t, err)
}

func TestHookRegistryRecoversPanic(t *testing.T) {
	r := NewHookRegistry()
	r.Register("panics", func(HookContext) error { panic("kaboom") })
	err := r.Run(&HookSpec{Target: "panics"}, HookContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailed))
}
