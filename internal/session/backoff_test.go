package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffCapsAtCeiling(t *testing.T) {
	for attempt := 0; attempt < 30; attempt++ {
		d := backoff(attempt, 250*time.Millisecond, 5*time.Second)
		require.True(t, d >= 0)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	// With full jitter the delay is random, but the ceiling before capping
	// should grow monotonically with attempt until it saturates the cap.
	base := 100 * time.Millisecond
	cap_ := 10 * time.Second

	var maxSeen time.Duration
	for trial := 0; trial < 200; trial++ {
		d := backoff(3, base, cap_)
		if d > maxSeen {
			maxSeen = d
		}
	}
	require.Greater(t, maxSeen, base) // attempt 3 -> ceiling 800ms, should exceed base eventually
}

func TestBackoffZeroAttempt(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		d := backoff(0, 250*time.Millisecond, 5*time.Second)
		require.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
