// Package sysfs implements the mitigation backends on top of the Linux sysfs
// interfaces: thermal zones and hwmon chips for temperature, cpufreq policies
// for frequency caps and the CPU hotplug "online" attribute.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// DefaultRoot is where sysfs is mounted.
const DefaultRoot string = "/sys"

const (
	cpuBasePath     = "devices/system/cpu"
	cpuDirFormat    = "cpu%d"
	cpuPossibleFile = "possible"
)

func cpuPath(root string, cpu uint, elem ...string) string {
	parts := append([]string{root, cpuBasePath, fmt.Sprintf(cpuDirFormat, cpu)}, elem...)
	return filepath.Join(parts...)
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readValue reads a single integer attribute.
func readValue[T constraints.Integer](path string) (T, error) {
	str, err := readString(path)
	if err != nil {
		return 0, err
	}

	var zero T
	if ^zero < zero {
		v, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %q from %s: %w", str, path, err)
		}
		return T(v), nil
	}

	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q from %s: %w", str, path, err)
	}
	return T(v), nil
}

func writeValue[T constraints.Integer](path string, value T) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(int64(value), 10)), 0644)
}

// writable reports whether the attribute exists and the process may write to it.
func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}
