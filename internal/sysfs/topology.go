package sysfs

import (
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/jaypipes/ghw"
	"k8s.io/utils/cpuset"
)

// DiscoverCores returns every possible logical CPU. Offline cores are included,
// they still have to be managed. When the possible mask cannot be read the
// currently visible logical processors reported by ghw are used instead.
func DiscoverCores(log logr.Logger, root string) (cpuset.CPUSet, error) {
	if root == "" {
		root = DefaultRoot
	}

	possiblePath := filepath.Join(root, cpuBasePath, cpuPossibleFile)
	list, err := readString(possiblePath)
	if err == nil {
		cores, err := cpuset.Parse(list)
		if err == nil && !cores.IsEmpty() {
			return cores, nil
		}
		log.Info("unable to parse possible cpu list", "path", possiblePath, "content", list)
	} else {
		log.V(4).Info("possible cpu list not readable, falling back to ghw", "error", err.Error())
	}

	info, err := ghw.CPU()
	if err != nil {
		return cpuset.New(), fmt.Errorf("failed to get CPU info: %w", err)
	}

	ids := make([]int, 0)
	for _, processor := range info.Processors {
		for _, core := range processor.Cores {
			ids = append(ids, core.LogicalProcessors...)
		}
	}
	if len(ids) == 0 {
		return cpuset.New(), fmt.Errorf("no logical processors found")
	}

	return cpuset.New(ids...), nil
}
