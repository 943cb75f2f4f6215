package mitigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHWMax uint = 1600000

// cycle drives one sampling cycle of the engine over the given cores and applies
// every decided cap to the fake backend.
func cycle(t *testing.T, e *ThrottleEngine, temp Temperature, cfg ThrottleConfig, f *fakeFrequency, cores ...uint) map[uint]uint {
	t.Helper()
	applied := make(map[uint]uint)
	for _, core := range cores {
		policy, err := f.GetPolicy(core)
		require.NoError(t, err)
		if newCap, changed := e.Evaluate(core, temp, cfg, policy); changed {
			require.NoError(t, f.SetMaxFreq(core, newCap))
			applied[core] = newCap
		}
	}
	e.EndCycle()
	return applied
}

func TestThrottleEngine_LowTripAndRestore(t *testing.T) {
	cfg := DefaultThrottleConfig()
	cfg.LowTripTemp = 70
	cfg.LowClearTemp = 66
	cfg.LowCapFreq = 972000

	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 1)

	applied := cycle(t, e, 71, cfg, f, 1)
	assert.Equal(t, map[uint]uint{1: 972000}, applied)
	assert.Equal(t, TierLow, e.Tier())
	pre, ok := e.PreThrottleCap(1)
	assert.True(t, ok)
	assert.Equal(t, uint(1600000), pre)

	applied = cycle(t, e, 71, cfg, f, 1)
	assert.Empty(t, applied)
	assert.Equal(t, TierLow, e.Tier())

	applied = cycle(t, e, 65, cfg, f, 1)
	assert.Equal(t, map[uint]uint{1: 1600000}, applied)
	assert.Equal(t, TierNormal, e.Tier())
	_, ok = e.PreThrottleCap(1)
	assert.False(t, ok)
}

func TestThrottleEngine_PreThrottleCapRecordedOncePerEpisode(t *testing.T) {
	cfg := DefaultThrottleConfig()
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 1)
	f.setCap(1, 1400000)

	cycle(t, e, 70, cfg, f, 1)
	// something outside the controller raised the cap while throttled
	f.setCap(1, 1500000)
	cycle(t, e, 70, cfg, f, 1)

	assert.Equal(t, uint(972000), f.cap(1))
	pre, ok := e.PreThrottleCap(1)
	require.True(t, ok)
	assert.Equal(t, uint(1400000), pre)

	cycle(t, e, 60, cfg, f, 1)
	assert.Equal(t, uint(1400000), f.cap(1))
}

func TestThrottleEngine_Idempotent(t *testing.T) {
	for _, temp := range []Temperature{50, 65, 70, 71, 72, 75, 76, 90} {
		cfg := DefaultThrottleConfig()
		e := NewThrottleEngine(testLogger())
		f := newFakeFrequency(testHWMax, 0, 1)

		cycle(t, e, temp, cfg, f, 0, 1)
		tier := e.Tier()
		applied := cycle(t, e, temp, cfg, f, 0, 1)

		assert.Empty(t, applied, "temp %d", temp)
		assert.Equal(t, tier, e.Tier(), "temp %d", temp)
	}
}

func TestThrottleEngine_MaxTripAndStepwiseClear(t *testing.T) {
	cfg := DefaultThrottleConfig()
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 0, 1)

	cycle(t, e, 80, cfg, f, 0, 1)
	assert.Equal(t, TierMax, e.Tier())
	assert.Equal(t, cfg.MaxCapFreq, f.cap(0))
	assert.Equal(t, cfg.MaxCapFreq, f.cap(1))

	// max clear: cap raised to the mid frequency, tier steps down to mid
	cycle(t, e, 70, cfg, f, 0, 1)
	assert.Equal(t, TierMid, e.Tier())
	assert.Equal(t, cfg.MidCapFreq, f.cap(0))
	assert.Equal(t, cfg.MidCapFreq, f.cap(1))

	// mid clear: cap raised to the low frequency, tier steps down to low
	cycle(t, e, 66, cfg, f, 0, 1)
	assert.Equal(t, TierLow, e.Tier())
	assert.Equal(t, cfg.LowCapFreq, f.cap(0))

	// low clear without a recorded cap falls back to the safe maximum
	cycle(t, e, 60, cfg, f, 0, 1)
	assert.Equal(t, TierNormal, e.Tier())
	assert.Equal(t, cfg.SafeMaxFreq, f.cap(0))
	assert.Equal(t, cfg.SafeMaxFreq, f.cap(1))
}

func TestThrottleEngine_NeverSkipsTierDownwards(t *testing.T) {
	cfg := DefaultThrottleConfig()
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 0, 1, 2, 3)

	temps := []Temperature{80, 40, 40, 40, 40, 71, 90, 30, 30, 73, 66, 30, 30, 30}
	prev := e.Tier()
	for i, temp := range temps {
		cycle(t, e, temp, cfg, f, 0, 1, 2, 3)
		if e.Tier() < prev {
			assert.Equal(t, prev-1, e.Tier(), "cycle %d temp %d", i, temp)
		}
		prev = e.Tier()
	}
	assert.Equal(t, TierNormal, e.Tier())
}

func TestThrottleEngine_StepsDownAfterCapsRestored(t *testing.T) {
	cfg := DefaultThrottleConfig()
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 0, 1)

	cycle(t, e, 71, cfg, f, 0, 1)
	cycle(t, e, 80, cfg, f, 0, 1)
	require.Equal(t, TierMax, e.Tier())

	// a single cold sample restores the pre-throttle caps, which equal the
	// hardware maximum, yet the tier still has to walk down one step per cycle
	applied := cycle(t, e, 40, cfg, f, 0, 1)
	assert.Equal(t, map[uint]uint{0: testHWMax, 1: testHWMax}, applied)
	assert.Equal(t, TierMid, e.Tier())

	for _, want := range []Tier{TierLow, TierNormal, TierNormal} {
		applied = cycle(t, e, 40, cfg, f, 0, 1)
		assert.Empty(t, applied)
		assert.Equal(t, want, e.Tier())
	}
	_, ok := e.PreThrottleCap(0)
	assert.False(t, ok)

	// next episode throttles like a fresh engine
	applied = cycle(t, e, 71, cfg, f, 0, 1)
	assert.Equal(t, map[uint]uint{0: cfg.LowCapFreq, 1: cfg.LowCapFreq}, applied)
	assert.Equal(t, TierLow, e.Tier())
	pre, ok := e.PreThrottleCap(1)
	assert.True(t, ok)
	assert.Equal(t, testHWMax, pre)
}

func TestThrottleEngine_ReferenceCoreGatesClear(t *testing.T) {
	cfg := DefaultThrottleConfig()
	cfg.ReferenceCore = 1
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 0, 1, 2)

	cycle(t, e, 70, cfg, f, 0, 1, 2)
	require.Equal(t, TierLow, e.Tier())

	// the reference core has no policy this cycle, so the tier must hold
	// while the other cores still get their caps restored
	applied := cycle(t, e, 60, cfg, f, 0, 2)
	assert.Equal(t, map[uint]uint{0: testHWMax, 2: testHWMax}, applied)
	assert.Equal(t, TierLow, e.Tier())

	// once the reference core clears, every core after it in the same cycle is still restored
	f.setCap(2, cfg.LowCapFreq)
	applied = cycle(t, e, 60, cfg, f, 0, 1, 2)
	assert.Equal(t, map[uint]uint{1: testHWMax, 2: testHWMax}, applied)
	assert.Equal(t, TierNormal, e.Tier())
}

func TestThrottleEngine_MidTripCapsAtLowFrequency(t *testing.T) {
	cfg := DefaultThrottleConfig()
	cfg.MidTripTemp = 72
	cfg.MidClearTemp = 74
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 1)

	applied := cycle(t, e, 73, cfg, f, 1)
	assert.Equal(t, map[uint]uint{1: cfg.LowCapFreq}, applied)
	assert.Equal(t, TierMid, e.Tier())
}

func TestThrottleEngine_Reset(t *testing.T) {
	cfg := DefaultThrottleConfig()
	e := NewThrottleEngine(testLogger())
	f := newFakeFrequency(testHWMax, 1)

	cycle(t, e, 71, cfg, f, 1)
	require.Equal(t, TierLow, e.Tier())

	e.Reset()
	assert.Equal(t, TierNormal, e.Tier())
	_, ok := e.PreThrottleCap(1)
	assert.False(t, ok)
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "normal", TierNormal.String())
	assert.Equal(t, "low", TierLow.String())
	assert.Equal(t, "mid", TierMid.String())
	assert.Equal(t, "max", TierMax.String())
	assert.Equal(t, "tier(7)", Tier(7).String())
}
