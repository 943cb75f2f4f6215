package sysfs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

const (
	cpuFreqDir        = "cpufreq"
	cpuInfoMinFreq    = "cpuinfo_min_freq"
	cpuInfoMaxFreq    = "cpuinfo_max_freq"
	scalingMaxFreq    = "scaling_max_freq"
	scalingMinFreq    = "scaling_min_freq"
	scalingGovernor   = "scaling_governor"
	userspaceGovernor = "userspace"
)

// CPUFreq caps core frequencies through scaling_max_freq.
type CPUFreq struct {
	root string
	log  logr.Logger
}

func NewCPUFreq(log logr.Logger, root string) *CPUFreq {
	if root == "" {
		root = DefaultRoot
	}
	return &CPUFreq{root: root, log: log}
}

func (c *CPUFreq) path(cpu uint, resource string) string {
	return cpuPath(c.root, cpu, cpuFreqDir, resource)
}

// GetPolicy returns ErrPolicyUnavailable when the core has no cpufreq directory,
// which is the case for offline cores.
func (c *CPUFreq) GetPolicy(cpu uint) (mitigation.Policy, error) {
	hwMax, err := readValue[uint](c.path(cpu, cpuInfoMaxFreq))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mitigation.Policy{}, fmt.Errorf("cpu %d: %w", cpu, mitigation.ErrPolicyUnavailable)
		}
		return mitigation.Policy{}, fmt.Errorf("failed to read hardware max frequency for CPU %d: %w", cpu, err)
	}

	minFreq, err := readValue[uint](c.path(cpu, scalingMinFreq))
	if err != nil {
		return mitigation.Policy{}, fmt.Errorf("failed to read min frequency for CPU %d: %w", cpu, err)
	}

	curMax, err := readValue[uint](c.path(cpu, scalingMaxFreq))
	if err != nil {
		return mitigation.Policy{}, fmt.Errorf("failed to read max frequency for CPU %d: %w", cpu, err)
	}

	return mitigation.Policy{
		MinFreq:         minFreq,
		CurrentMaxFreq:  curMax,
		HardwareMaxFreq: hwMax,
	}, nil
}

// SetMaxFreq writes the cap in kHz, clamped to the hardware limits of the core.
func (c *CPUFreq) SetMaxFreq(cpu uint, frequency uint) error {
	hwMin, err := readValue[uint](c.path(cpu, cpuInfoMinFreq))
	if err != nil {
		return fmt.Errorf("failed to read hardware min frequency for CPU %d: %w", cpu, err)
	}
	hwMax, err := readValue[uint](c.path(cpu, cpuInfoMaxFreq))
	if err != nil {
		return fmt.Errorf("failed to read hardware max frequency for CPU %d: %w", cpu, err)
	}

	limited := min(max(frequency, hwMin), hwMax)
	if limited != frequency {
		c.log.V(4).Info("frequency outside hardware limits, clamping",
			"cpu", cpu, "requested", frequency, "applied", limited)
	}

	if err := writeValue(c.path(cpu, scalingMaxFreq), limited); err != nil {
		return fmt.Errorf("failed to set max frequency for CPU %d: %w", cpu, err)
	}
	return nil
}

// Governor returns the scaling governor of the core.
func (c *CPUFreq) Governor(cpu uint) (string, error) {
	governor, err := readString(c.path(cpu, scalingGovernor))
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for cpu %d: %w", cpu, err)
	}
	return governor, nil
}

// Probe logs the governor of every core and whether its cap can be written.
// A userspace governor pins the frequency itself, so a cap has little effect there.
func (c *CPUFreq) Probe(cpus []uint) {
	for _, cpu := range cpus {
		logger := c.log.WithValues("cpu", cpu)
		governor, err := c.Governor(cpu)
		if err != nil {
			logger.V(4).Info("no cpufreq policy", "error", err.Error())
			continue
		}
		if governor == userspaceGovernor {
			logger.Info("userspace governor active, frequency caps only bound scaling_setspeed")
		}
		logger.V(4).Info("cpufreq policy found", "governor", governor,
			"writable", writable(c.path(cpu, scalingMaxFreq)))
	}
}
