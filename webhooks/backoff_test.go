package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: time.Hour}
	require.Equal(t, 30*time.Second, b.Delay(1))
	require.Equal(t, time.Minute, b.Delay(2))
	require.Equal(t, 2*time.Minute, b.Delay(3))
	require.Equal(t, 16*time.Minute, b.Delay(6))
	require.Equal(t, 32*time.Minute, b.Delay(7))
	require.Equal(t, time.Hour, b.Delay(8))
	require.Equal(t, time.Hour, b.Delay(20))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: time.Hour, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d := b.Delay(3)
		require.GreaterOrEqual(t, d, 96*time.Second)
		require.LessOrEqual(t, d, 144*time.Second)
	}
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: time.Hour, Jitter: 0.5}
	var capped int
	for i := 0; i < 200; i++ {
		d := b.Delay(20)
		require.LessOrEqual(t, d, time.Hour)
		require.GreaterOrEqual(t, d, 30*time.Minute)
		if d == time.Hour {
			capped++
		}
	}
	require.Positive(t, capped)
}

func TestBackoffDefaultsBase(t *testing.T) {
	require.Equal(t, 30*time.Second, Backoff{}.Delay(0))
}
