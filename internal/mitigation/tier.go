package mitigation

import "fmt"

// Tier is the throttling severity. Escalation may jump several tiers at once,
// de-escalation always walks down one tier per cycle.
type Tier int

const (
	TierNormal Tier = iota
	TierLow
	TierMid
	TierMax
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierMax:
		return "max"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}
