package auth

import (
	"fmt"

	"github.com/marmos91/imgpull/pkg/store/users"
)

// Escalation policy names accepted by NewEscalationPolicy.
const (
	PolicyNone      = "none"
	PolicyThreshold = "threshold"
)

// EscalationPolicy decides what a wrong password does to the stored record.
type EscalationPolicy interface {
	// OnFailure mutates u after a password mismatch and reports whether the
	// record changed and must be persisted.
	OnFailure(u *users.User) bool

	Name() string
}

// NoEscalation leaves records untouched on failure. Sessions are still locked
// out by the router after three rejected logins.
type NoEscalation struct{}

func (NoEscalation) OnFailure(*users.User) bool { return false }
func (NoEscalation) Name() string               { return PolicyNone }

// ThresholdEscalation counts wrong passwords on the record and bans the
// account once the count exceeds MaxStrikes-1.
type ThresholdEscalation struct {
	MaxStrikes int
}

func (p ThresholdEscalation) OnFailure(u *users.User) bool {
	u.Strikes++
	if u.Strikes > p.MaxStrikes-1 {
		u.Banned = true
	}
	return true
}

func (ThresholdEscalation) Name() string { return PolicyThreshold }

// NewEscalationPolicy builds a policy from its configured name. An empty name
// selects PolicyNone.
func NewEscalationPolicy(name string, maxStrikes int) (EscalationPolicy, error) {
	switch name {
	case "", PolicyNone:
		return NoEscalation{}, nil
	case PolicyThreshold:
		if maxStrikes < 1 {
			return nil, fmt.Errorf("threshold escalation requires max_strikes >= 1, got %d", maxStrikes)
		}
		return ThresholdEscalation{MaxStrikes: maxStrikes}, nil
	default:
		return nil, fmt.Errorf("unknown escalation policy %q", name)
	}
}
