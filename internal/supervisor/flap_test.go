package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlapDetectorDefaults(t *testing.T) {
	f := NewFlapDetector(0, 0, 0, 0)
	assert.Equal(t, 3, f.Attempts)
	assert.Equal(t, time.Second, f.Window)
	assert.Equal(t, 7*time.Second, f.RetryIn)
	assert.Equal(t, 5, f.MaxRetry)
}

func TestFlapDetectorSustainedRunResets(t *testing.T) {
	f := NewFlapDetector(2, time.Second, time.Second, 5)
	now := time.Now()
	outcome := f.RecordExit(now, 2*time.Second)
	assert.Equal(t, FlapNone, outcome)
	assert.False(t, f.Paused(now))
}

func TestFlapDetectorPausesAfterAttempts(t *testing.T) {
	f := NewFlapDetector(2, time.Second, 5*time.Second, 5)
	now := time.Now()

	outcome := f.RecordExit(now, 10*time.Millisecond)
	require.Equal(t, FlapNone, outcome)

	outcome = f.RecordExit(now.Add(20*time.Millisecond), 10*time.Millisecond)
	require.Equal(t, FlapPause, outcome)
	assert.True(t, f.Paused(now.Add(25*time.Millisecond)))
	assert.False(t, f.Paused(now.Add(6*time.Second)))
}

func TestFlapDetectorGivesUpAfterMaxRetry(t *testing.T) {
	f := NewFlapDetector(1, time.Second, time.Millisecond, 2)
	now := time.Now()

	for i := 0; i < 2; i++ {
		outcome := f.RecordExit(now, 0)
		require.Equal(t, FlapPause, outcome)
		now = now.Add(2 * time.Millisecond)
	}
	outcome := f.RecordExit(now, 0)
	assert.Equal(t, FlapGiveUp, outcome)
}

func TestFlapDetectorReset(t *testing.T) {
	f := NewFlapDetector(1, time.Second, time.Hour, 5)
	now := time.Now()
	f.RecordExit(now, 0)
	require.True(t, f.Paused(now))
	f.Reset()
	assert.False(t, f.Paused(now))
}
