// Package workflow holds the task lifecycle: which phase may follow which, and which
// operations each phase accepts.
package workflow

import (
	"errors"
	"fmt"

	"cyclecount/internal/domain"
)

// ErrInvalid matches every *ValidationError through errors.Is.
var ErrInvalid = errors.New("invalid workflow operation")

// ValidationError is a refused operation. The task it was aimed at is left as it was.
type ValidationError struct {
	Op     string
	Phase  domain.Phase
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s rejected in phase %s: %s", e.Op, e.Phase, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func Reject(op string, phase domain.Phase, reason string) error {
	return &ValidationError{Op: op, Phase: phase, Reason: reason}
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to domain.Phase) error {
	switch from {
	case domain.PhasePending:
		if to == domain.PhaseCounting {
			return nil
		}
	case domain.PhaseCounting:
		if to == domain.PhaseReconciling {
			return nil
		}
	case domain.PhaseReconciling:
		if to == domain.PhaseCounting || to == domain.PhaseSigned {
			return nil
		}
	case domain.PhaseSigned:
		if to == domain.PhaseCompleted {
			return nil
		}
	}
	return Reject("transition", from, fmt.Sprintf("invalid phase transition %s -> %s", from, to))
}

// Require rejects op unless the task is in one of phases. Completed tasks are read-only.
func Require(op string, t domain.InventoryTask, phases ...domain.Phase) error {
	if t.Phase == domain.PhaseCompleted {
		return Reject(op, t.Phase, "task is completed and read-only")
	}
	for _, p := range phases {
		if t.Phase == p {
			return nil
		}
	}
	return Reject(op, t.Phase, fmt.Sprintf("requires phase %v", phases))
}

// Move checks the transition and returns a copy of t in phase to.
func Move(t domain.InventoryTask, to domain.Phase) (domain.InventoryTask, error) {
	if err := CanTransition(t.Phase, to); err != nil {
		return t, err
	}
	out := t.Clone()
	out.Phase = to
	return out, nil
}
