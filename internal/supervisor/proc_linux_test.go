//go:build linux

package supervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcVitalsReadsOwnProcess(t *testing.T) {
	vmRSS, numFDs, ok := procVitals(os.Getpid())
	require.True(t, ok)
	assert.GreaterOrEqual(t, vmRSS, int64(0))
	assert.Greater(t, numFDs, 0)
}

func TestProcVitalsUnknownPid(t *testing.T) {
	_, _, ok := procVitals(1 << 30)
	assert.False(t, ok)
}

func TestReadPPidOwnProcess(t *testing.T) {
	ppid, ok := readPPid(os.Getpid())
	require.True(t, ok)
	assert.Equal(t, os.Getppid(), ppid)
}
