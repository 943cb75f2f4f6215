package sysfs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

const (
	thermalZoneFormat = "class/thermal/thermal_zone%d"
	hwmonGlob         = "class/hwmon/hwmon*"
	milliCelsius      = 1000
)

// ThermalZoneSensor reads /sys/class/thermal/thermal_zoneN/temp.
type ThermalZoneSensor struct {
	zone uint
	path string
}

func NewThermalZoneSensor(root string, zone uint) *ThermalZoneSensor {
	if root == "" {
		root = DefaultRoot
	}
	return &ThermalZoneSensor{
		zone: zone,
		path: filepath.Join(root, fmt.Sprintf(thermalZoneFormat, zone), "temp"),
	}
}

// Type returns the zone type as reported by the kernel, e.g. "x86_pkg_temp".
func (s *ThermalZoneSensor) Type() (string, error) {
	return readString(filepath.Join(filepath.Dir(s.path), "type"))
}

func (s *ThermalZoneSensor) ReadTemperature(ctx context.Context) (mitigation.Temperature, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	milli, err := readValue[int64](s.path)
	if err != nil {
		return 0, fmt.Errorf("thermal zone %d: %w: %w", s.zone, mitigation.ErrSensorRead, err)
	}
	return mitigation.Temperature(milli / milliCelsius), nil
}

// HwmonSensor reads tempN_input of the hwmon chip with the given name.
// The chip is looked up on every read since hwmon numbering is not stable across
// driver reloads.
type HwmonSensor struct {
	root  string
	chip  string
	input uint
}

func NewHwmonSensor(root string, chip string, input uint) *HwmonSensor {
	if root == "" {
		root = DefaultRoot
	}
	if input == 0 {
		input = 1
	}
	return &HwmonSensor{root: root, chip: chip, input: input}
}

func (s *HwmonSensor) ReadTemperature(ctx context.Context) (mitigation.Temperature, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir, err := s.findChip()
	if err != nil {
		return 0, err
	}
	milli, err := readValue[int64](filepath.Join(dir, fmt.Sprintf("temp%d_input", s.input)))
	if err != nil {
		return 0, fmt.Errorf("hwmon %s: %w: %w", s.chip, mitigation.ErrSensorRead, err)
	}
	return mitigation.Temperature(milli / milliCelsius), nil
}

func (s *HwmonSensor) findChip() (string, error) {
	matches, _ := filepath.Glob(filepath.Join(s.root, hwmonGlob))
	for _, dir := range matches {
		name, err := readString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.EqualFold(name, s.chip) {
			return dir, nil
		}
	}
	return "", fmt.Errorf("hwmon chip %q not found: %w", s.chip, mitigation.ErrSensorRead)
}
