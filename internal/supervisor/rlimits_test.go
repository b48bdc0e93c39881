package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRlimitsAcceptsKnownNames(t *testing.T) {
	err := validateRlimits(map[string]int64{"nofile": 1024, "NPROC": 10})
	assert.NoError(t, err)
}

func TestValidateRlimitsRejectsUnknownName(t *testing.T) {
	err := validateRlimits(map[string]int64{"bogus": 1})
	assert.Error(t, err)
}

func TestWrapForLimitsNoopWithoutLimits(t *testing.T) {
	argv := []string{"/bin/echo", "hi"}
	out, err := wrapForLimits(argv, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, argv, out)
}

func TestWrapForLimitsWrapsInShell(t *testing.T) {
	argv := []string{"/bin/echo", "hi"}
	out, err := wrapForLimits(argv, map[string]int64{"nofile": 256}, 022)
	require.NoError(t, err)
	require.Len(t, out, 6)
	assert.Equal(t, "/bin/sh", out[0])
	assert.Equal(t, "-c", out[1])
	assert.Contains(t, out[2], "ulimit -n 256")
	assert.Contains(t, out[2], "umask 0022")
	assert.Equal(t, "--", out[3])
	assert.Equal(t, argv, out[4:])
}

func TestWrapForLimitsRejectsUnknownRlimit(t *testing.T) {
	_, err := wrapForLimits([]string{"/bin/echo"}, map[string]int64{"bogus": 1}, 0)
	assert.Error(t, err)
}
