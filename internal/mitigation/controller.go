package mitigation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/cpuset"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

var (
	testHookCycleDone func()
)

// Counters are monotonic event counts exposed through Status.
type Counters struct {
	Cycles          atomic.Uint64
	SensorErrors    atomic.Uint64
	PolicySkips     atomic.Uint64
	FrequencyErrors atomic.Uint64
	HotplugErrors   atomic.Uint64
	CoresOfflined   atomic.Uint64
	CoresOnlined    atomic.Uint64
}

// Status is a point in time view of the controller.
type Status struct {
	Enabled         bool
	Tier            Tier
	Temperature     Temperature
	TemperatureOK   bool
	LastCycle       time.Time
	Caps            map[uint]uint
	Offlined        cpuset.CPUSet
	CoreControlMask cpuset.CPUSet

	Cycles          uint64
	SensorErrors    uint64
	PolicySkips     uint64
	FrequencyErrors uint64
	HotplugErrors   uint64
	CoresOfflined   uint64
	CoresOnlined    uint64
}

// Controller runs the sampling loop: it reads the temperature once per cycle,
// runs the throttle engine for every core and the core control engine once.
// Controller owns all mitigation state; nothing is kept in package globals.
type Controller struct {
	log      logr.Logger
	sensor   Sensor
	freq     FrequencyPolicy
	settings SettingsSource
	cores    cpuset.CPUSet

	throttle    *ThrottleEngine
	coreState   *CoreControlState
	coreControl *CoreControlEngine
	counters    Counters
	enabledFn   func() bool

	// lifecycle guards cancelFunc and running, serialising Enable and Disable
	lifecycle  sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	waitGroup  sync.WaitGroup

	statusMu     sync.RWMutex
	enabled      bool
	lastTemp     Temperature
	lastTempOK   bool
	lastCycle    time.Time
	caps         map[uint]uint
	tier         Tier
	referenceLog sync.Once
}

var _ manager.Runnable = &Controller{}

type ControllerOpts struct {
	Sensor    Sensor
	Frequency FrequencyPolicy
	Hotplug   Hotplug
	Settings  SettingsSource
	// Cores are the logical cores the controller manages, usually every possible core.
	Cores cpuset.CPUSet
	// State is shared with the hotplug admission hook. A new one is created when nil.
	State *CoreControlState
	// EnabledFunc decides whether Start runs the loop. Nil means always.
	EnabledFunc func() bool
}

func NewController(log logr.Logger, opts ControllerOpts) (*Controller, error) {
	if opts.Sensor == nil || opts.Frequency == nil || opts.Hotplug == nil || opts.Settings == nil {
		return nil, errors.New("sensor, frequency, hotplug and settings are required")
	}
	if opts.Cores.IsEmpty() {
		return nil, errors.New("no cores to manage")
	}

	state := opts.State
	if state == nil {
		state = NewCoreControlState(log.WithName("admission"))
	}

	c := &Controller{
		log:       log,
		sensor:    opts.Sensor,
		freq:      opts.Frequency,
		settings:  opts.Settings,
		cores:     opts.Cores.Clone(),
		throttle:  NewThrottleEngine(log.WithName("throttle")),
		coreState: state,
		caps:      make(map[uint]uint),
		enabledFn: opts.EnabledFunc,
	}
	c.coreControl = NewCoreControlEngine(log.WithName("corecontrol"), state, opts.Hotplug, c.cores, &c.counters)

	return c, nil
}

// CoreControlState returns the state shared with the admission guard.
func (c *Controller) CoreControlState() *CoreControlState {
	return c.coreState
}

// Start enables the controller unless EnabledFunc says otherwise and disables
// it once ctx is done. Enable and Disable may be called while Start blocks.
func (c *Controller) Start(ctx context.Context) error {
	if c.enabledFn == nil || c.enabledFn() {
		c.Enable()
	} else {
		c.log.Info("thermal mitigation starts disabled")
	}
	<-ctx.Done()
	c.Disable()
	return nil
}

// Enable starts the sampling loop. The first cycle runs immediately.
// Calling Enable on a running controller does nothing.
func (c *Controller) Enable() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running {
		c.log.V(5).Info("controller already enabled")
		return
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.running = true
	c.setEnabledStatus(true)
	c.waitGroup.Add(1)

	go c.runLoop(ctx)
	c.log.Info("thermal mitigation enabled")
}

// Disable cancels the pending cycle, waits for an in-flight one and lifts every
// frequency cap back to the hardware maximum. Cores offlined by core control stay
// offline. Disable returns once cleanup has finished.
func (c *Controller) Disable() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running {
		c.log.V(5).Info("controller already disabled")
		return
	}

	c.cancelFunc()
	c.waitGroup.Wait()
	c.running = false

	c.unthrottle()
	c.throttle.Reset()
	c.setEnabledStatus(false)
	c.log.Info("thermal mitigation disabled")
}

func (c *Controller) Enabled() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.running
}

func (c *Controller) runLoop(ctx context.Context) {
	defer c.waitGroup.Done()

	var interval time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			c.RunCycle(ctx)
			interval = c.settings.Settings().Throttle.SampleInterval()
			if testHookCycleDone != nil {
				testHookCycleDone()
			}
		}
	}
}

// RunCycle executes one sampling cycle. It is exported for callers that drive
// the controller without the internal loop.
func (c *Controller) RunCycle(ctx context.Context) {
	c.counters.Cycles.Add(1)
	settings := c.settings.Settings()

	temp, err := c.sensor.ReadTemperature(ctx)
	if err != nil {
		c.counters.SensorErrors.Add(1)
		c.log.Error(err, "unable to read temperature, skipping cycle")
		c.recordTemperature(0, false)
		return
	}
	c.recordTemperature(temp, true)
	c.log.V(5).Info("temperature sampled", tempLogKey, temp, tierLogKey, c.throttle.Tier().String())

	cfg := settings.Throttle
	cfg.ReferenceCore = c.referenceCore(cfg.ReferenceCore)
	caps := make(map[uint]uint, c.cores.Size())
	for _, id := range c.cores.List() {
		core := uint(id)
		policy, err := c.freq.GetPolicy(core)
		if err != nil {
			c.counters.PolicySkips.Add(1)
			c.log.V(5).Info("no cpufreq policy, skipping core", coreLogKey, core, "error", err.Error())
			continue
		}

		caps[core] = policy.CurrentMaxFreq
		newCap, changed := c.throttle.Evaluate(core, temp, cfg, policy)
		if !changed {
			continue
		}
		if err := c.freq.SetMaxFreq(core, newCap); err != nil {
			c.counters.FrequencyErrors.Add(1)
			c.log.Error(err, "failed to limit core max frequency", coreLogKey, core, freqLogKey, newCap)
			continue
		}
		caps[core] = newCap
		c.log.Info("limiting core max frequency", coreLogKey, core, freqLogKey, newCap)
	}
	c.throttle.EndCycle()

	c.coreControl.Evaluate(temp, settings.CoreControl)
	c.recordCycle(caps)
}

// unthrottle restores the hardware maximum on every core capped below it.
func (c *Controller) unthrottle() {
	caps := make(map[uint]uint, c.cores.Size())
	for _, id := range c.cores.List() {
		core := uint(id)
		policy, err := c.freq.GetPolicy(core)
		if err != nil {
			continue
		}
		caps[core] = policy.CurrentMaxFreq
		if policy.CurrentMaxFreq >= policy.HardwareMaxFreq {
			continue
		}
		if err := c.freq.SetMaxFreq(core, policy.HardwareMaxFreq); err != nil {
			c.counters.FrequencyErrors.Add(1)
			c.log.Error(err, "failed to restore core max frequency", coreLogKey, core)
			continue
		}
		caps[core] = policy.HardwareMaxFreq
		c.log.Info("restored core max frequency", coreLogKey, core, freqLogKey, policy.HardwareMaxFreq)
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.caps = caps
	c.tier = TierNormal
}

// referenceCore falls back to the highest managed core when the configured one
// does not exist on this machine.
func (c *Controller) referenceCore(configured uint) uint {
	if c.cores.Contains(int(configured)) {
		return configured
	}
	list := c.cores.List()
	fallback := uint(list[len(list)-1])
	c.referenceLog.Do(func() {
		c.log.Info("reference core not present, using highest core instead",
			"configured", configured, "reference", fallback)
	})
	return fallback
}

func (c *Controller) recordTemperature(temp Temperature, ok bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastTemp = temp
	c.lastTempOK = ok
	c.lastCycle = time.Now()
}

func (c *Controller) recordCycle(caps map[uint]uint) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.caps = caps
	c.tier = c.throttle.Tier()
}

func (c *Controller) setEnabledStatus(enabled bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.enabled = enabled
}

func (c *Controller) Status() Status {
	c.statusMu.RLock()
	caps := make(map[uint]uint, len(c.caps))
	for core, freq := range c.caps {
		caps[core] = freq
	}
	status := Status{
		Enabled:       c.enabled,
		Tier:          c.tier,
		Temperature:   c.lastTemp,
		TemperatureOK: c.lastTempOK,
		LastCycle:     c.lastCycle,
		Caps:          caps,
	}
	c.statusMu.RUnlock()

	status.Offlined = c.coreState.Offlined()
	status.CoreControlMask = c.coreState.Mask()
	status.Cycles = c.counters.Cycles.Load()
	status.SensorErrors = c.counters.SensorErrors.Load()
	status.PolicySkips = c.counters.PolicySkips.Load()
	status.FrequencyErrors = c.counters.FrequencyErrors.Load()
	status.HotplugErrors = c.counters.HotplugErrors.Load()
	status.CoresOfflined = c.counters.CoresOfflined.Load()
	status.CoresOnlined = c.counters.CoresOnlined.Load()

	return status
}

// Cores returns the managed cores.
func (c *Controller) Cores() cpuset.CPUSet {
	return c.cores.Clone()
}
