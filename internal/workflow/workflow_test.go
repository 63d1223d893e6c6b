package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclecount/internal/domain"
)

func TestCanTransition(t *testing.T) {
	phases := []domain.Phase{
		domain.PhasePending, domain.PhaseCounting, domain.PhaseReconciling, domain.PhaseSigned, domain.PhaseCompleted,
	}
	allowed := map[[2]domain.Phase]bool{
		{domain.PhasePending, domain.PhaseCounting}:     true,
		{domain.PhaseCounting, domain.PhaseReconciling}: true,
		{domain.PhaseReconciling, domain.PhaseCounting}: true,
		{domain.PhaseReconciling, domain.PhaseSigned}:   true,
		{domain.PhaseSigned, domain.PhaseCompleted}:     true,
	}
	for _, from := range phases {
		for _, to := range phases {
			err := CanTransition(from, to)
			if allowed[[2]domain.Phase{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalid, "%s -> %s", from, to)
		}
	}
}

func TestValidationErrorAs(t *testing.T) {
	err := Reject("sign", domain.PhaseCounting, "not reconciling")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "sign", verr.Op)
	assert.Equal(t, domain.PhaseCounting, verr.Phase)
	assert.Equal(t, "sign rejected in phase COUNTING: not reconciling", err.Error())
}

func TestRequire(t *testing.T) {
	task := domain.InventoryTask{Phase: domain.PhaseCounting}
	assert.NoError(t, Require("scan", task, domain.PhaseCounting))
	assert.ErrorIs(t, Require("annotate", task, domain.PhaseReconciling), ErrInvalid)

	done := domain.InventoryTask{Phase: domain.PhaseCompleted}
	err := Require("scan", done, domain.PhaseCompleted)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "read-only")
}

func TestMoveLeavesInputUntouched(t *testing.T) {
	in := domain.InventoryTask{Phase: domain.PhasePending, Confirmed: domain.NewSerialSet()}
	out, err := Move(in, domain.PhaseCounting)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCounting, out.Phase)
	assert.Equal(t, domain.PhasePending, in.Phase)

	same, err := Move(in, domain.PhaseSigned)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, domain.PhasePending, same.Phase)
}
