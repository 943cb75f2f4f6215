package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/cpuset"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/AMDEPYC/thermal-manager/internal/mitigation"
)

// StatusProvider is implemented by mitigation.Controller.
type StatusProvider interface {
	Status() mitigation.Status
	Cores() cpuset.CPUSet
}

func boolValue(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// NewThermalCollectors builds the collectors exposing the controller status.
func NewThermalCollectors(provider StatusProvider, logger logr.Logger) []prom.Collector {
	counter := func(subsystem, name, help string, read func(mitigation.Status) uint64) prom.Collector {
		return newCollector(
			prom.BuildFQName(promNamespace, subsystem, name),
			help,
			prom.CounterValue,
			func() (uint64, error) { return read(provider.Status()), nil },
			logger.WithValues(logNameKey, name),
		)
	}

	return []prom.Collector{
		newCollector(
			prom.BuildFQName(promNamespace, mitigationSubsystem, "enabled"),
			"Whether the sampling loop is running",
			prom.GaugeValue,
			func() (uint8, error) { return boolValue(provider.Status().Enabled), nil },
			logger.WithValues(logNameKey, "enabled"),
		),
		newCollector(
			prom.BuildFQName(promNamespace, throttleSubsystem, "tier"),
			"Current throttle tier, 0 normal to 3 max",
			prom.GaugeValue,
			func() (int, error) { return int(provider.Status().Tier), nil },
			logger.WithValues(logNameKey, "tier"),
		),
		newCollector(
			prom.BuildFQName(promNamespace, sensorSubsystem, "temperature_celsius"),
			"Temperature read in the last successful cycle",
			prom.GaugeValue,
			func() (int, error) {
				status := provider.Status()
				if !status.TemperatureOK {
					return 0, ErrMetricMissing
				}
				return int(status.Temperature), nil
			},
			logger.WithValues(logNameKey, "temperature_celsius"),
		),
		newCollector(
			prom.BuildFQName(promNamespace, mitigationSubsystem, "last_cycle_timestamp_seconds"),
			"Unix time of the last completed cycle",
			prom.GaugeValue,
			func() (float64, error) {
				status := provider.Status()
				if status.LastCycle.IsZero() {
					return 0, ErrMetricMissing
				}
				return float64(status.LastCycle.UnixNano()) / 1e9, nil
			},
			logger.WithValues(logNameKey, "last_cycle_timestamp_seconds"),
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, throttleSubsystem, "max_freq_khz"),
			"Frequency cap applied to the CPU in the last cycle",
			prom.GaugeValue,
			provider.Cores(),
			func(cpu uint) (uint, error) {
				freq, ok := provider.Status().Caps[cpu]
				if !ok {
					return 0, ErrMetricMissing
				}
				return freq, nil
			},
			logger.WithValues(logNameKey, "max_freq_khz"),
		),
		newPerCPUCollector(
			prom.BuildFQName(promNamespace, coreControlSubsystem, "offlined"),
			"Whether the CPU is held offline by core control",
			prom.GaugeValue,
			provider.Cores(),
			func(cpu uint) (uint8, error) {
				return boolValue(provider.Status().Offlined.Contains(int(cpu))), nil
			},
			logger.WithValues(logNameKey, "offlined"),
		),
		counter(mitigationSubsystem, "cycles_total", "Counter of completed sampling cycles",
			func(s mitigation.Status) uint64 { return s.Cycles }),
		counter(sensorSubsystem, "errors_total", "Counter of failed temperature reads",
			func(s mitigation.Status) uint64 { return s.SensorErrors }),
		counter(throttleSubsystem, "policy_skips_total", "Counter of cores skipped for lack of a cpufreq policy",
			func(s mitigation.Status) uint64 { return s.PolicySkips }),
		counter(throttleSubsystem, "errors_total", "Counter of failed frequency cap writes",
			func(s mitigation.Status) uint64 { return s.FrequencyErrors }),
		counter(coreControlSubsystem, "errors_total", "Counter of failed hotplug requests",
			func(s mitigation.Status) uint64 { return s.HotplugErrors }),
		counter(coreControlSubsystem, "offlined_total", "Counter of cores taken offline",
			func(s mitigation.Status) uint64 { return s.CoresOfflined }),
		counter(coreControlSubsystem, "onlined_total", "Counter of cores released back online",
			func(s mitigation.Status) uint64 { return s.CoresOnlined }),
	}
}

// RegisterThermalCollectors registers the thermal collectors with the controller-runtime registry.
func RegisterThermalCollectors(provider StatusProvider, logger logr.Logger) {
	ctrlMetrics.Registry.MustRegister(NewThermalCollectors(provider, logger.WithName("thermal"))...)
}
