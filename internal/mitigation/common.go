package mitigation

import (
	"context"
	"errors"
)

var (
	// ErrSensorRead is returned (wrapped) by sensors when a temperature could not be obtained.
	// The controller forfeits the cycle and tries again on the next one.
	ErrSensorRead error = errors.New("temperature sensor read failed")

	// ErrPolicyUnavailable is returned when a core has no cpufreq policy right now,
	// typically because the core is offline.
	ErrPolicyUnavailable error = errors.New("cpufreq policy unavailable")

	// ErrOnlineVetoed is returned by the admission hook when a core offlined by
	// core control must stay offline.
	ErrOnlineVetoed error = errors.New("core online request vetoed by thermal core control")
)

// Internal helper constants for logging
const (
	coreLogKey = "core"
	tempLogKey = "temp"
	tierLogKey = "tier"
	freqLogKey = "freq"
)

// Temperature in whole degrees Celsius.
type Temperature int

// Policy is a per-core snapshot of the cpufreq limits, fetched fresh every cycle.
// All frequencies are in kHz.
type Policy struct {
	MinFreq         uint
	CurrentMaxFreq  uint
	HardwareMaxFreq uint
}

type Sensor interface {
	ReadTemperature(ctx context.Context) (Temperature, error)
}

type FrequencyPolicy interface {
	// GetPolicy returns ErrPolicyUnavailable (possibly wrapped) when the core has no policy.
	GetPolicy(core uint) (Policy, error)
	SetMaxFreq(core uint, freq uint) error
}

type Hotplug interface {
	Offline(core uint) error
	Online(core uint) error
	IsOnline(core uint) bool
}
