package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestThrottleBurst exercises the burst limit: of 15 hits from one key
// within a second, 9 are let through and the 10th trips the throttle; two
// seconds' worth of decay then drains the counter by 4.
func TestThrottleBurst(t *testing.T) {
	th := newSpamThrottle()
	const key = "203.0.113.5"

	allowed := 0
	for i := 0; i < 15; i++ {
		if !th.addAndTest(key) {
			allowed++
		}
	}
	require.Equal(t, 9, allowed, "9 hits land before the 10th trips the throttle")
	require.True(t, th.test(key))

	th.lastDecayTime = time.Now().Add(-2 * time.Second)
	th.decay()
	require.Equal(t, throttleBurst-2*throttlePerSecond, th.hits[key])
}

func TestThrottleDecayRemovesDrainedKeys(t *testing.T) {
	th := newSpamThrottle()
	th.saturatingAdd("1.1.1.1")
	th.lastDecayTime = time.Now().Add(-10 * time.Second)
	th.decay()
	_, present := th.hits["1.1.1.1"]
	require.False(t, present)
}

func TestThrottleDecayNoopWithinSameSecond(t *testing.T) {
	th := newSpamThrottle()
	th.saturatingAdd("1.1.1.1")
	th.decay()
	require.Equal(t, 1, th.hits["1.1.1.1"])
}

func TestSaturatingDecRemovesAtZero(t *testing.T) {
	th := newSpamThrottle()
	th.saturatingAdd("1.1.1.1")
	th.saturatingDec("1.1.1.1")
	_, present := th.hits["1.1.1.1"]
	require.False(t, present)
}
