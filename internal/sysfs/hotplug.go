package sysfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/go-logr/logr"
)

const onlineFile = "online"

// OnlineNotifier is called before a core is brought online. Returning an error
// vetoes the transition.
type OnlineNotifier func(cpu uint) error

// Hotplug offlines and onlines cores through /sys/devices/system/cpu/cpuN/online.
// Every online request, ours or an operator's, passes the registered notifiers first.
type Hotplug struct {
	root string
	log  logr.Logger

	mu        sync.RWMutex
	notifiers []OnlineNotifier
}

func NewHotplug(log logr.Logger, root string) *Hotplug {
	if root == "" {
		root = DefaultRoot
	}
	return &Hotplug{root: root, log: log}
}

// RegisterOnlineNotifier adds a hook consulted before every Online call.
func (h *Hotplug) RegisterOnlineNotifier(notifier OnlineNotifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, notifier)
}

func (h *Hotplug) Offline(cpu uint) error {
	if err := writeValue(cpuPath(h.root, cpu, onlineFile), 0); err != nil {
		return fmt.Errorf("failed to offline CPU %d: %w", cpu, err)
	}
	h.log.V(4).Info("cpu set offline", "cpu", cpu)
	return nil
}

func (h *Hotplug) Online(cpu uint) error {
	h.mu.RLock()
	notifiers := append([]OnlineNotifier{}, h.notifiers...)
	h.mu.RUnlock()

	for _, notify := range notifiers {
		if err := notify(cpu); err != nil {
			return err
		}
	}

	if err := writeValue(cpuPath(h.root, cpu, onlineFile), 1); err != nil {
		return fmt.Errorf("failed to online CPU %d: %w", cpu, err)
	}
	h.log.V(4).Info("cpu set online", "cpu", cpu)
	return nil
}

// IsOnline treats a core without an online attribute (usually cpu0) as online
// as long as its directory exists.
func (h *Hotplug) IsOnline(cpu uint) bool {
	online, err := readValue[int](cpuPath(h.root, cpu, onlineFile))
	if err == nil {
		return online == 1
	}
	if errors.Is(err, fs.ErrNotExist) {
		_, statErr := os.Stat(cpuPath(h.root, cpu))
		return statErr == nil
	}
	h.log.V(5).Info("unable to read online state", "cpu", cpu, "error", err.Error())
	return false
}

// Hotpluggable reports whether the core can be taken offline at all.
func (h *Hotplug) Hotpluggable(cpu uint) bool {
	return writable(cpuPath(h.root, cpu, onlineFile))
}
