// Package config loads the agent configuration file. Every field is optional,
// unset fields keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"k8s.io/utils/cpuset"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

// Sensor sources
const (
	SensorThermalZone = "thermal_zone"
	SensorHwmon       = "hwmon"
	SensorMSR         = "msr"
)

// File is the on-disk representation of the configuration.
type File struct {
	Enabled     *bool            `json:"enabled,omitempty"`
	Sensor      *SensorFile      `json:"sensor,omitempty"`
	Throttle    *ThrottleFile    `json:"throttle,omitempty"`
	CoreControl *CoreControlFile `json:"coreControl,omitempty"`
}

type SensorFile struct {
	Source *string `json:"source,omitempty"`
	Zone   *uint   `json:"zone,omitempty"`
	Chip   *string `json:"chip,omitempty"`
	Input  *uint   `json:"input,omitempty"`
	CPU    *uint   `json:"cpu,omitempty"`
}

type ThrottleFile struct {
	LowTripTemp  *uint `json:"lowTripTemp,omitempty"`
	LowClearTemp *uint `json:"lowClearTemp,omitempty"`
	LowCapFreq   *uint `json:"lowCapFreq,omitempty"`

	MidTripTemp  *uint `json:"midTripTemp,omitempty"`
	MidClearTemp *uint `json:"midClearTemp,omitempty"`
	MidCapFreq   *uint `json:"midCapFreq,omitempty"`

	MaxTripTemp  *uint `json:"maxTripTemp,omitempty"`
	MaxClearTemp *uint `json:"maxClearTemp,omitempty"`
	MaxCapFreq   *uint `json:"maxCapFreq,omitempty"`

	SampleIntervalMs *uint `json:"sampleIntervalMs,omitempty"`
	ReferenceCore    *uint `json:"referenceCore,omitempty"`
	SafeMaxFreq      *uint `json:"safeMaxFreq,omitempty"`
}

type CoreControlFile struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Mask is a kernel style cpu list, e.g. "2-3,6".
	Mask           *string `json:"mask,omitempty"`
	LimitTemp      *uint   `json:"limitTemp,omitempty"`
	HysteresisTemp *uint   `json:"hysteresisTemp,omitempty"`
}

// SensorConfig selects the temperature source.
type SensorConfig struct {
	Source string
	// Zone of a thermal_zone source.
	Zone uint
	// Chip and Input of a hwmon source.
	Chip  string
	Input uint
	// CPU whose MSRs are read by an msr source.
	CPU uint
}

// Config is a fully resolved configuration.
type Config struct {
	Enabled  bool
	Sensor   SensorConfig
	Settings mitigation.Settings
}

func Default() Config {
	return Config{
		Enabled: true,
		Sensor: SensorConfig{
			Source: SensorThermalZone,
			Input:  1,
		},
		Settings: mitigation.DefaultSettings(),
	}
}

func (s SensorConfig) Validate() error {
	switch s.Source {
	case SensorThermalZone, SensorMSR:
		return nil
	case SensorHwmon:
		if s.Chip == "" {
			return errors.New("hwmon sensor requires a chip name")
		}
		return nil
	default:
		return fmt.Errorf("unknown sensor source %q", s.Source)
	}
}

func (c Config) Validate() error {
	return errors.Join(c.Sensor.Validate(), c.Settings.Validate())
}

// Parse decodes data and merges it onto the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg, err := file.merge(Default())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func (f File) merge(cfg Config) (Config, error) {
	cfg.Enabled = ptr.Deref(f.Enabled, cfg.Enabled)

	if s := f.Sensor; s != nil {
		cfg.Sensor.Source = ptr.Deref(s.Source, cfg.Sensor.Source)
		cfg.Sensor.Zone = ptr.Deref(s.Zone, cfg.Sensor.Zone)
		cfg.Sensor.Chip = ptr.Deref(s.Chip, cfg.Sensor.Chip)
		cfg.Sensor.Input = ptr.Deref(s.Input, cfg.Sensor.Input)
		cfg.Sensor.CPU = ptr.Deref(s.CPU, cfg.Sensor.CPU)
	}

	if t := f.Throttle; t != nil {
		th := &cfg.Settings.Throttle
		th.LowTripTemp = ptr.Deref(t.LowTripTemp, th.LowTripTemp)
		th.LowClearTemp = ptr.Deref(t.LowClearTemp, th.LowClearTemp)
		th.LowCapFreq = ptr.Deref(t.LowCapFreq, th.LowCapFreq)
		th.MidTripTemp = ptr.Deref(t.MidTripTemp, th.MidTripTemp)
		th.MidClearTemp = ptr.Deref(t.MidClearTemp, th.MidClearTemp)
		th.MidCapFreq = ptr.Deref(t.MidCapFreq, th.MidCapFreq)
		th.MaxTripTemp = ptr.Deref(t.MaxTripTemp, th.MaxTripTemp)
		th.MaxClearTemp = ptr.Deref(t.MaxClearTemp, th.MaxClearTemp)
		th.MaxCapFreq = ptr.Deref(t.MaxCapFreq, th.MaxCapFreq)
		th.SampleIntervalMs = ptr.Deref(t.SampleIntervalMs, th.SampleIntervalMs)
		th.ReferenceCore = ptr.Deref(t.ReferenceCore, th.ReferenceCore)
		th.SafeMaxFreq = ptr.Deref(t.SafeMaxFreq, th.SafeMaxFreq)
	}

	if c := f.CoreControl; c != nil {
		cc := &cfg.Settings.CoreControl
		cc.Enabled = ptr.Deref(c.Enabled, cc.Enabled)
		cc.LimitTemp = ptr.Deref(c.LimitTemp, cc.LimitTemp)
		cc.HysteresisTemp = ptr.Deref(c.HysteresisTemp, cc.HysteresisTemp)
		if c.Mask != nil {
			mask, err := cpuset.Parse(*c.Mask)
			if err != nil {
				return Config{}, fmt.Errorf("invalid core control mask %q: %w", *c.Mask, err)
			}
			cc.Mask = mask
		}
	}

	return cfg, nil
}
