package mitigation

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/utils/cpuset"
)

// Admission is the verdict of the hotplug admission guard.
type Admission int

const (
	AdmissionAllow Admission = iota
	AdmissionDeny
)

func (a Admission) String() string {
	if a == AdmissionDeny {
		return "deny"
	}
	return "allow"
}

// CoreControlState is shared between the core control engine and the hotplug
// admission guard. Every access goes through its mutex.
type CoreControlState struct {
	mu       sync.Mutex
	enabled  bool
	mask     cpuset.CPUSet
	offlined cpuset.CPUSet
	log      logr.Logger
}

func NewCoreControlState(log logr.Logger) *CoreControlState {
	return &CoreControlState{
		mask:     cpuset.New(),
		offlined: cpuset.New(),
		log:      log,
	}
}

// Offlined returns the cores currently held offline by core control.
func (s *CoreControlState) Offlined() cpuset.CPUSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offlined.Clone()
}

func (s *CoreControlState) Mask() cpuset.CPUSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask.Clone()
}

// Admit decides whether the core may come online. It denies the request while
// the core is in the mask and was offlined by core control.
func (s *CoreControlState) Admit(core uint) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled && s.mask.Contains(int(core)) && s.offlined.Contains(int(core)) {
		s.log.Info("preventing core from coming online", coreLogKey, core)
		return AdmissionDeny
	}
	return AdmissionAllow
}

// OnlineHook adapts Admit to a hotplug online notifier.
func (s *CoreControlState) OnlineHook() func(core uint) error {
	return func(core uint) error {
		if s.Admit(core) == AdmissionDeny {
			return fmt.Errorf("core %d: %w", core, ErrOnlineVetoed)
		}
		return nil
	}
}

// applyConfigLocked refreshes mask and enablement, releasing offlined cores that
// dropped out of the mask. The caller holds mu.
func (s *CoreControlState) applyConfigLocked(cfg CoreControlConfig) {
	s.enabled = cfg.Enabled
	s.mask = cfg.Mask.Clone()
	if released := s.offlined.Difference(s.mask); !released.IsEmpty() {
		s.log.Info("releasing cores no longer in the core control mask", "cores", released.String())
		s.offlined = s.offlined.Intersection(s.mask)
	}
}

type hotplugAction int

const (
	hotplugNone hotplugAction = iota
	hotplugOffline
	hotplugOnline
)

// CoreControlEngine offlines cores one at a time while the temperature stays at
// or above the limit and brings them back one at a time once it has dropped by
// the hysteresis.
type CoreControlEngine struct {
	log     logr.Logger
	state   *CoreControlState
	hotplug Hotplug
	cores   cpuset.CPUSet

	counters *Counters
}

func NewCoreControlEngine(
	log logr.Logger,
	state *CoreControlState,
	hotplug Hotplug,
	cores cpuset.CPUSet,
	counters *Counters,
) *CoreControlEngine {
	return &CoreControlEngine{
		log:      log,
		state:    state,
		hotplug:  hotplug,
		cores:    cores,
		counters: counters,
	}
}

// Evaluate performs at most one core transition. The decision and the update of
// the offlined set happen under the state lock, the hotplug call after it is
// released so that our own online request passes through the admission guard.
func (e *CoreControlEngine) Evaluate(temp Temperature, cfg CoreControlConfig) {
	online := e.onlineCores()

	action, core := e.decide(temp, cfg, online)
	logger := e.log.WithValues(coreLogKey, core, tempLogKey, temp)

	switch action {
	case hotplugOffline:
		logger.Info("setting core offline")
		e.counters.CoresOfflined.Add(1)
		if err := e.hotplug.Offline(core); err != nil {
			e.counters.HotplugErrors.Add(1)
			logger.Error(err, "failed to offline core")
		}
	case hotplugOnline:
		logger.Info("allowing core back online")
		e.counters.CoresOnlined.Add(1)
		if err := e.hotplug.Online(core); err != nil {
			e.counters.HotplugErrors.Add(1)
			logger.Error(err, "failed to online core")
		}
	}
}

func (e *CoreControlEngine) decide(temp Temperature, cfg CoreControlConfig, online cpuset.CPUSet) (hotplugAction, uint) {
	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyConfigLocked(cfg)
	if !s.enabled {
		return hotplugNone, 0
	}

	if !s.mask.IsEmpty() && temp >= celsius(cfg.LimitTemp) {
		// core 0 is never a candidate
		candidates := s.mask.Difference(s.offlined).Intersection(online).List()
		if n := len(candidates); n > 0 && candidates[n-1] > 0 {
			highest := candidates[n-1]
			s.offlined = s.offlined.Union(cpuset.New(highest))
			return hotplugOffline, uint(highest)
		}
		e.log.V(5).Info("no core left to offline", tempLogKey, temp)
		return hotplugNone, 0
	}

	if !s.offlined.IsEmpty() && int(temp) <= int(cfg.LimitTemp)-int(cfg.HysteresisTemp) {
		lowest := s.offlined.List()[0]
		s.offlined = s.offlined.Difference(cpuset.New(lowest))
		core := uint(lowest)
		if online.Contains(lowest) {
			e.log.V(4).Info("core already online, released from core control", coreLogKey, core)
			return hotplugNone, core
		}
		return hotplugOnline, core
	}

	return hotplugNone, 0
}

func (e *CoreControlEngine) onlineCores() cpuset.CPUSet {
	online := make([]int, 0, e.cores.Size())
	for _, core := range e.cores.List() {
		if e.hotplug.IsOnline(uint(core)) {
			online = append(online, core)
		}
	}
	return cpuset.New(online...)
}
