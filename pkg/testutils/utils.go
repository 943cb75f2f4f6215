package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	cpuDir          = "devices/system/cpu"
	cpuMaxFreqFile  = "cpufreq/cpuinfo_max_freq"
	cpuMinFreqFile  = "cpufreq/cpuinfo_min_freq"
	scalingMaxFile  = "cpufreq/scaling_max_freq"
	scalingMinFile  = "cpufreq/scaling_min_freq"
	scalingGovFile  = "cpufreq/scaling_governor"
	onlineFile      = "online"
	possibleCPUFile = "possible"
)

// SetupTestLogger installs a development zap logger and returns a named logr.Logger.
func SetupTestLogger() logr.Logger {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))
	return ctrl.Log.WithName("test-log")
}

// DummySysfs is a sysfs tree in a temporary directory.
type DummySysfs struct {
	Root string
	t    testing.TB
}

// SetupDummyFiles creates cores cpu directories below a temp sysfs root.
// cpufiles keys: "max", "min", "governor" fill the cpufreq files of every core;
// "no_online_cpu0" leaves cpu0 without an online attribute like most kernels do.
func SetupDummyFiles(t testing.TB, cores int, cpufiles map[string]string) *DummySysfs {
	t.Helper()
	d := &DummySysfs{Root: t.TempDir(), t: t}

	for i := 0; i < cores; i++ {
		cpudir := d.cpuPath(uint(i))
		require.NoError(t, os.MkdirAll(filepath.Join(cpudir, "cpufreq"), os.ModePerm))

		if _, skip := cpufiles["no_online_cpu0"]; !(skip && i == 0) {
			d.write(filepath.Join(cpudir, onlineFile), "1")
		}
		for prop, value := range cpufiles {
			switch prop {
			case "max":
				d.write(filepath.Join(cpudir, scalingMaxFile), value)
				d.write(filepath.Join(cpudir, cpuMaxFreqFile), value)
			case "min":
				d.write(filepath.Join(cpudir, scalingMinFile), value)
				d.write(filepath.Join(cpudir, cpuMinFreqFile), value)
			case "governor":
				d.write(filepath.Join(cpudir, scalingGovFile), value)
			}
		}
	}
	if cores > 0 {
		d.write(filepath.Join(d.Root, cpuDir, possibleCPUFile), fmt.Sprintf("0-%d", cores-1))
	}

	return d
}

// FullDummySystem is a four core machine with 300 MHz - 1.6 GHz cpufreq limits.
func FullDummySystem(t testing.TB) *DummySysfs {
	return SetupDummyFiles(t, 4, map[string]string{
		"max": "1600000", "min": "300000", "governor": "schedutil", "no_online_cpu0": "",
	})
}

func (d *DummySysfs) cpuPath(cpu uint) string {
	return filepath.Join(d.Root, cpuDir, "cpu"+fmt.Sprint(cpu))
}

func (d *DummySysfs) write(path, value string) {
	d.t.Helper()
	require.NoError(d.t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(d.t, os.WriteFile(path, []byte(value+"\n"), 0644))
}

// WriteCPUFile writes a file relative to the cpu directory, e.g. "cpufreq/scaling_max_freq".
func (d *DummySysfs) WriteCPUFile(cpu uint, rel, value string) {
	d.t.Helper()
	d.write(filepath.Join(d.cpuPath(cpu), rel), value)
}

// ReadCPUFile returns the trimmed content of a file relative to the cpu directory.
func (d *DummySysfs) ReadCPUFile(cpu uint, rel string) string {
	d.t.Helper()
	data, err := os.ReadFile(filepath.Join(d.cpuPath(cpu), rel))
	require.NoError(d.t, err)
	return strings.TrimSpace(string(data))
}

// RemoveCPUFreq drops the cpufreq directory of the core, as the kernel does for offline cores.
func (d *DummySysfs) RemoveCPUFreq(cpu uint) {
	d.t.Helper()
	require.NoError(d.t, os.RemoveAll(filepath.Join(d.cpuPath(cpu), "cpufreq")))
}

func (d *DummySysfs) SetPossible(list string) {
	d.t.Helper()
	d.write(filepath.Join(d.Root, cpuDir, possibleCPUFile), list)
}

// AddThermalZone creates thermal_zoneN with a temperature in millidegrees Celsius.
func (d *DummySysfs) AddThermalZone(zone uint, zoneType string, milliCelsius int) {
	d.t.Helper()
	dir := filepath.Join(d.Root, "class/thermal", "thermal_zone"+fmt.Sprint(zone))
	d.write(filepath.Join(dir, "type"), zoneType)
	d.write(filepath.Join(dir, "temp"), fmt.Sprint(milliCelsius))
}

// AddHwmon creates hwmonN named chip with a single tempM_input.
func (d *DummySysfs) AddHwmon(index uint, chip string, input uint, milliCelsius int) {
	d.t.Helper()
	dir := filepath.Join(d.Root, "class/hwmon", "hwmon"+fmt.Sprint(index))
	d.write(filepath.Join(dir, "name"), chip)
	d.write(filepath.Join(dir, fmt.Sprintf("temp%d_input", input)), fmt.Sprint(milliCelsius))
}
