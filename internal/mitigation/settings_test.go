package mitigation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/utils/cpuset"
)

func TestThrottleConfig_Validate(t *testing.T) {
	tcases := []struct {
		name    string
		modify  func(c *ThrottleConfig)
		wantErr bool
	}{
		{name: "defaults", modify: func(c *ThrottleConfig) {}},
		{name: "zero width band", modify: func(c *ThrottleConfig) { c.MidClearTemp = c.MidTripTemp }},
		{name: "low clear above trip", modify: func(c *ThrottleConfig) { c.LowClearTemp = c.LowTripTemp + 1 }, wantErr: true},
		{name: "mid clear above trip", modify: func(c *ThrottleConfig) { c.MidClearTemp = 90 }, wantErr: true},
		{name: "max clear above trip", modify: func(c *ThrottleConfig) { c.MaxClearTemp = 77 }, wantErr: true},
		{name: "zero interval", modify: func(c *ThrottleConfig) { c.SampleIntervalMs = 0 }, wantErr: true},
		{name: "cap ordering is not validated", modify: func(c *ThrottleConfig) { c.MaxCapFreq = 2000000 }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultThrottleConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			// every accepted configuration has a non-negative hysteresis band
			assert.GreaterOrEqual(t, cfg.LowTripTemp, cfg.LowClearTemp)
			assert.GreaterOrEqual(t, cfg.MidTripTemp, cfg.MidClearTemp)
			assert.GreaterOrEqual(t, cfg.MaxTripTemp, cfg.MaxClearTemp)
		})
	}
}

func TestThrottleConfig_CapOrdering(t *testing.T) {
	cfg := DefaultThrottleConfig()
	assert.False(t, cfg.CapOrderingViolated())

	cfg.MidCapFreq = cfg.LowCapFreq
	assert.True(t, cfg.CapOrderingViolated())
}

func TestThrottleConfig_SampleInterval(t *testing.T) {
	assert.Equal(t, time.Second, DefaultThrottleConfig().SampleInterval())
}

func TestCoreControlConfig_Validate(t *testing.T) {
	cfg := DefaultCoreControlConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Mask = cpuset.New(0, 1)
	assert.Error(t, cfg.Validate())

	cfg.Mask = cpuset.New(1)
	cfg.HysteresisTemp = cfg.LimitTemp + 1
	assert.Error(t, cfg.Validate())
}

func TestSettings_Validate(t *testing.T) {
	s := DefaultSettings()
	assert.NoError(t, s.Validate())
	assert.Equal(t, s, StaticSettings(s).Settings())

	s.Throttle.SampleIntervalMs = 0
	assert.Error(t, s.Validate())
}
