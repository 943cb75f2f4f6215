package mitigation

import (
	"github.com/go-logr/logr"
)

// ThrottleEngine is the per-core frequency cap hysteresis machine. It is not safe
// for concurrent use, the controller drives it from a single goroutine.
type ThrottleEngine struct {
	log  logr.Logger
	tier Tier

	// preThrottleCap holds the cap each core had before the episode started.
	preThrottleCap map[uint]uint
	// pendingTier is the de-escalation requested by the reference core during the
	// current cycle, committed by EndCycle.
	pendingTier *Tier
	inCycle     bool
	cycleStart  Tier
}

func NewThrottleEngine(log logr.Logger) *ThrottleEngine {
	return &ThrottleEngine{
		log:            log,
		tier:           TierNormal,
		preThrottleCap: make(map[uint]uint),
	}
}

func (e *ThrottleEngine) Tier() Tier {
	return e.tier
}

// PreThrottleCap returns the recorded pre-throttle cap of the core, if any.
func (e *ThrottleEngine) PreThrottleCap(core uint) (uint, bool) {
	freq, ok := e.preThrottleCap[core]
	return freq, ok
}

// Reset drops back to TierNormal and forgets all recorded caps.
func (e *ThrottleEngine) Reset() {
	e.tier = TierNormal
	e.pendingTier = nil
	e.inCycle = false
	clear(e.preThrottleCap)
}

// Evaluate runs the decision table for one core. The first matching row wins.
// It returns the cap to apply and whether it differs from the one in effect.
// Escalations change the tier immediately; de-escalations only take effect once
// cfg.ReferenceCore clears and EndCycle is called.
func (e *ThrottleEngine) Evaluate(core uint, temp Temperature, cfg ThrottleConfig, policy Policy) (uint, bool) {
	if !e.inCycle {
		e.inCycle = true
		e.cycleStart = e.tier
	}
	logger := e.log.WithValues(coreLogKey, core, tempLogKey, temp)
	cur := policy.CurrentMaxFreq
	isReference := core == cfg.ReferenceCore

	var newCap uint
	switch {
	// low trip
	case e.tier <= TierLow && temp >= celsius(cfg.LowTripTemp) && temp < celsius(cfg.MidTripTemp) &&
		cur > cfg.LowCapFreq:
		if _, recorded := e.preThrottleCap[core]; !recorded {
			e.preThrottleCap[core] = cur
		}
		newCap = cfg.LowCapFreq
		e.escalate(TierLow, logger)

	// low clear
	case temp < celsius(cfg.LowClearTemp) && e.tier >= TierLow && cur < policy.HardwareMaxFreq:
		if prev, recorded := e.preThrottleCap[core]; recorded && prev != 0 {
			newCap = prev
		} else {
			newCap = cfg.SafeMaxFreq
			logger.Info("no pre-throttle cap recorded, falling back to safe maximum", freqLogKey, newCap)
		}
		if isReference {
			e.stageClear(TierNormal)
		}

	// mid trip
	case temp >= celsius(cfg.LowTripTemp) && temp < celsius(cfg.MidClearTemp) && cur > cfg.MidCapFreq:
		newCap = cfg.LowCapFreq
		e.escalate(TierMid, logger)

	// mid clear
	case temp < celsius(cfg.MidClearTemp) && e.tier >= TierMid && cur < policy.HardwareMaxFreq:
		newCap = cfg.LowCapFreq
		if isReference {
			e.stageClear(TierLow)
		}

	// max trip
	case temp >= celsius(cfg.MaxTripTemp) && cur > cfg.MaxCapFreq:
		newCap = cfg.MaxCapFreq
		e.escalate(TierMax, logger)

	// max clear
	case temp < celsius(cfg.MaxClearTemp) && e.tier >= TierMax && cur < policy.HardwareMaxFreq:
		newCap = cfg.MidCapFreq
		if isReference {
			e.stageClear(TierMid)
		}

	default:
		// caps already restored, keep stepping the tier down
		if isReference {
			e.stageClearIfCool(temp, cfg)
		}
		return cur, false
	}

	if newCap == cur {
		return cur, false
	}
	logger.V(4).Info("new frequency cap decided", freqLogKey, newCap, tierLogKey, e.tier.String())

	return newCap, true
}

// EndCycle commits the de-escalation staged by the reference core, if any.
// It returns true when the tier changed.
func (e *ThrottleEngine) EndCycle() bool {
	e.inCycle = false
	if e.pendingTier == nil {
		return false
	}
	target := *e.pendingTier
	e.pendingTier = nil

	// an escalation later in the same cycle wins over the staged clear
	if target >= e.tier {
		return false
	}
	// at most one tier per cycle, counted from where the cycle started
	if floor := max(e.cycleStart-1, TierNormal); target < floor {
		target = floor
	}
	if target >= e.tier {
		return false
	}

	e.log.Info("thermal throttling eased", "from", e.tier.String(), "to", target.String())
	e.tier = target
	if e.tier == TierNormal {
		clear(e.preThrottleCap)
	}
	return true
}

func (e *ThrottleEngine) escalate(to Tier, logger logr.Logger) {
	if e.tier != to {
		logger.Info("thermal throttling", "from", e.tier.String(), "to", to.String())
	}
	e.tier = to
	e.pendingTier = nil
}

// stageClearIfCool stages the step down of a clear row whose cap is already in effect.
func (e *ThrottleEngine) stageClearIfCool(temp Temperature, cfg ThrottleConfig) {
	switch {
	case temp < celsius(cfg.LowClearTemp) && e.tier >= TierLow:
		e.stageClear(TierNormal)
	case temp < celsius(cfg.MidClearTemp) && e.tier >= TierMid:
		e.stageClear(TierLow)
	case temp < celsius(cfg.MaxClearTemp) && e.tier >= TierMax:
		e.stageClear(TierMid)
	}
}

func (e *ThrottleEngine) stageClear(to Tier) {
	e.pendingTier = &to
}

func celsius(v uint) Temperature {
	return Temperature(v)
}
