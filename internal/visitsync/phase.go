package visitsync

import (
	"errors"
	"fmt"
)

// Phase is the protocol state of a single mutation instance.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhaseApplying
	// PhasePending means the optimistic value is visible and the remote call
	// is in flight.
	PhasePending
	PhaseCommitted
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseValidating:
		return "validating"
	case PhaseApplying:
		return "applying"
	case PhasePending:
		return "pending"
	case PhaseCommitted:
		return "committed"
	case PhaseRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further phase change is allowed.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack
}

// ErrPhaseViolation is returned for a phase change the protocol forbids.
var ErrPhaseViolation = errors.New("visitsync: illegal mutation phase change")

var phaseMoves = map[Phase][]Phase{
	PhaseIdle:       {PhaseValidating},
	PhaseValidating: {PhaseIdle, PhaseApplying},
	PhaseApplying:   {PhasePending},
	PhasePending:    {PhaseCommitted, PhaseRolledBack},
}

// mutation tracks one instance through the protocol. It is owned by the
// goroutine running the mutation.
type mutation struct {
	id    string
	phase Phase
	// rejected is set once validation sends the instance back to idle.
	rejected bool
}

func (m *mutation) advance(to Phase) error {
	if m.phase.Terminal() || m.rejected {
		return fmt.Errorf("%w: %s -> %s after completion", ErrPhaseViolation, m.phase, to)
	}
	for _, allowed := range phaseMoves[m.phase] {
		if allowed == to {
			if m.phase == PhaseValidating && to == PhaseIdle {
				m.rejected = true
			}
			m.phase = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrPhaseViolation, m.phase, to)
}
