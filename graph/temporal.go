package graph

import (
	"strings"
	"time"
)

// TemporalStatus is the validity of a relationship as of a reference date.
type TemporalStatus string

const (
	StatusActive  TemporalStatus = "ACTIVE"
	StatusExpired TemporalStatus = "EXPIRED"
	StatusFuture  TemporalStatus = "FUTURE"
)

// Gate is a logic operator folded across relationship statuses.
type Gate string

const (
	GateAnd Gate = "AND"
	GateOr  Gate = "OR"
	GateNot Gate = "NOT"
)

// ParseGate normalises and validates a gate string.
func ParseGate(s string) (Gate, error) {
	switch Gate(strings.ToUpper(strings.TrimSpace(s))) {
	case GateAnd:
		return GateAnd, nil
	case GateOr:
		return GateOr, nil
	case GateNot:
		return GateNot, nil
	default:
		return "", &ValidationError{Field: "logic_gate", Value: s, Reason: "unknown gate"}
	}
}

// Status evaluates a relationship's temporal validity as of the given date.
// Boundary semantics are exclusive on both ends: a relationship expiring on
// day D is still ACTIVE when evaluated at D, and one effective on day D is
// already ACTIVE at D. Absent dates mean always active.
func Status(r Relationship, asOf time.Time) TemporalStatus {
	if r.Temporal == nil {
		return StatusActive
	}
	if r.Temporal.ExpiryDate != nil && asOf.After(*r.Temporal.ExpiryDate) {
		return StatusExpired
	}
	if r.Temporal.EffectiveDate != nil && asOf.Before(*r.Temporal.EffectiveDate) {
		return StatusFuture
	}
	return StatusActive
}

// EvaluateGate folds relationship statuses through a logic gate.
//
// Zero-input convention, pinned here because the boundary behaviour is prone
// to disagreement: AND over zero inputs is vacuously satisfied, OR over zero
// inputs is vacuously unsatisfied. NOT considers only the first input and is
// satisfied when that input is not ACTIVE (an empty NOT is satisfied).
func EvaluateGate(gate Gate, statuses []TemporalStatus) bool {
	switch gate {
	case GateAnd:
		for _, s := range statuses {
			if s != StatusActive {
				return false
			}
		}
		return true
	case GateOr:
		for _, s := range statuses {
			if s == StatusActive {
				return true
			}
		}
		return false
	case GateNot:
		if len(statuses) == 0 {
			return true
		}
		return statuses[0] != StatusActive
	default:
		return false
	}
}
