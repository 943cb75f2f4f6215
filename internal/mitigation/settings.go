package mitigation

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/cpuset"
)

// Defaults, temperatures in degrees Celsius and frequencies in kHz.
const (
	DefaultLowTripTemp  uint = 70
	DefaultLowClearTemp uint = DefaultLowTripTemp - 6
	DefaultLowCapFreq   uint = 972000

	DefaultMidTripTemp  uint = 72
	DefaultMidClearTemp uint = DefaultMidTripTemp - 5
	DefaultMidCapFreq   uint = 648000

	DefaultMaxTripTemp  uint = 76
	DefaultMaxClearTemp uint = DefaultMaxTripTemp - 5
	DefaultMaxCapFreq   uint = 384000

	DefaultSampleIntervalMs uint = 1000
	DefaultReferenceCore    uint = 1
	DefaultSafeMaxFreq      uint = 1566000

	DefaultCoreLimitTemp      uint = 80
	DefaultCoreHysteresisTemp uint = 10
)

// ThrottleConfig holds the tier thresholds used by the throttle engine.
type ThrottleConfig struct {
	LowTripTemp  uint
	LowClearTemp uint
	LowCapFreq   uint

	MidTripTemp  uint
	MidClearTemp uint
	MidCapFreq   uint

	MaxTripTemp  uint
	MaxClearTemp uint
	MaxCapFreq   uint

	SampleIntervalMs uint

	// ReferenceCore gates de-escalation: the tier only drops once this core clears.
	ReferenceCore uint
	// SafeMaxFreq is restored on low clear when no pre-throttle cap was recorded.
	SafeMaxFreq uint
}

// CoreControlConfig holds the parameters of the core offlining machine.
type CoreControlConfig struct {
	Enabled        bool
	Mask           cpuset.CPUSet
	LimitTemp      uint
	HysteresisTemp uint
}

type Settings struct {
	Throttle    ThrottleConfig
	CoreControl CoreControlConfig
}

// SettingsSource is read once at the top of every cycle.
type SettingsSource interface {
	Settings() Settings
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings Settings

func (s StaticSettings) Settings() Settings {
	return Settings(s)
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		LowTripTemp:      DefaultLowTripTemp,
		LowClearTemp:     DefaultLowClearTemp,
		LowCapFreq:       DefaultLowCapFreq,
		MidTripTemp:      DefaultMidTripTemp,
		MidClearTemp:     DefaultMidClearTemp,
		MidCapFreq:       DefaultMidCapFreq,
		MaxTripTemp:      DefaultMaxTripTemp,
		MaxClearTemp:     DefaultMaxClearTemp,
		MaxCapFreq:       DefaultMaxCapFreq,
		SampleIntervalMs: DefaultSampleIntervalMs,
		ReferenceCore:    DefaultReferenceCore,
		SafeMaxFreq:      DefaultSafeMaxFreq,
	}
}

func DefaultCoreControlConfig() CoreControlConfig {
	return CoreControlConfig{
		Enabled:        false,
		Mask:           cpuset.New(),
		LimitTemp:      DefaultCoreLimitTemp,
		HysteresisTemp: DefaultCoreHysteresisTemp,
	}
}

func DefaultSettings() Settings {
	return Settings{
		Throttle:    DefaultThrottleConfig(),
		CoreControl: DefaultCoreControlConfig(),
	}
}

func (c ThrottleConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// Validate rejects configurations with a negative hysteresis band or no sampling interval.
// Cap ordering is not enforced, see CapOrderingViolated.
func (c ThrottleConfig) Validate() error {
	var errs []error
	for _, band := range []struct {
		name        string
		trip, clear uint
	}{
		{"low", c.LowTripTemp, c.LowClearTemp},
		{"mid", c.MidTripTemp, c.MidClearTemp},
		{"max", c.MaxTripTemp, c.MaxClearTemp},
	} {
		if band.clear > band.trip {
			errs = append(errs, fmt.Errorf("%s clear temperature %d is above trip temperature %d",
				band.name, band.clear, band.trip))
		}
	}
	if c.SampleIntervalMs == 0 {
		errs = append(errs, errors.New("sample interval must be greater than 0"))
	}

	return errors.Join(errs...)
}

// CapOrderingViolated reports whether the tier caps fail to decrease from low to max severity.
// Such a configuration is applied as-is and only yields inconsistent throttling.
func (c ThrottleConfig) CapOrderingViolated() bool {
	return !(c.MaxCapFreq < c.MidCapFreq && c.MidCapFreq < c.LowCapFreq)
}

func (c CoreControlConfig) Validate() error {
	if c.HysteresisTemp > c.LimitTemp {
		return fmt.Errorf("core control hysteresis %d is larger than limit temperature %d",
			c.HysteresisTemp, c.LimitTemp)
	}
	if c.Mask.Contains(0) {
		return errors.New("core 0 cannot be part of the core control mask")
	}
	return nil
}

func (s Settings) Validate() error {
	return errors.Join(s.Throttle.Validate(), s.CoreControl.Validate())
}
