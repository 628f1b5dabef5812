package triage

import "fmt"

// Urgency is the fixed total order of priority tiers, least urgent first.
type Urgency int

const (
	Programmable Urgency = iota
	Deferrable
	Short
	Urgent
)

// LeastUrgent is the floor of the order and the classification fallback.
const LeastUrgent = Programmable

var urgencyNames = [...]string{
	Programmable: "Programmable",
	Deferrable:   "Deferrable",
	Short:        "Short",
	Urgent:       "Urgent",
}

func (u Urgency) String() string {
	if u < Programmable || u > Urgent {
		return fmt.Sprintf("Urgency(%d)", int(u))
	}
	return urgencyNames[u]
}

// ParseUrgency maps a tier name onto the order.
func ParseUrgency(name string) (Urgency, error) {
	for u, n := range urgencyNames {
		if n == name {
			return Urgency(u), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q: %w", name, ErrInvalidArgument)
}

// CompareTiers returns 1 if a is more urgent than b, -1 if less, 0 if equal.
func CompareTiers(a, b Urgency) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// StepDown returns the next less urgent level, saturating at LeastUrgent.
func (u Urgency) StepDown() Urgency {
	if u <= LeastUrgent {
		return LeastUrgent
	}
	return u - 1
}
