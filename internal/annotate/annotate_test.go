package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclecount/internal/domain"
)

func sample() []domain.Discrepancy {
	return []domain.Discrepancy{
		{Serial: "a1", SKU: "A", Kind: domain.Shortage},
		{Serial: "a9", SKU: "A", Kind: domain.Overage},
		{Serial: "a2", SKU: "A", Kind: domain.Shortage, Reason: domain.ReasonSalesFlow, AutoResolved: true},
		{Serial: "b1", SKU: "B", Kind: domain.Shortage},
	}
}

func TestApplyScopedToSKU(t *testing.T) {
	in := sample()
	out, err := Apply(in, "A", Annotation{
		ShortageReason: domain.ReasonDamage,
		OverageReason:  domain.ReasonCountingError,
		Remarks:        "dropped in transit",
		Evidence:       []string{"img-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ReasonDamage, out[0].Reason)
	assert.Equal(t, domain.ReasonCountingError, out[1].Reason)
	assert.Equal(t, "dropped in transit", out[1].Remarks)
	assert.Equal(t, []string{"img-1"}, out[0].Evidence)
	assert.Equal(t, in[2], out[2])
	assert.Equal(t, in[3], out[3])
	// input untouched
	assert.Empty(t, in[0].Reason)
}

func TestApplySharedReasonAndKeptKind(t *testing.T) {
	out, err := Apply(sample(), "A", Annotation{Reason: domain.ReasonDamage})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDamage, out[0].Reason)
	assert.Equal(t, domain.ReasonDamage, out[1].Reason)

	out, err = Apply(out, "A", Annotation{ShortageReason: domain.ReasonCountingError})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCountingError, out[0].Reason)
	assert.Equal(t, domain.ReasonDamage, out[1].Reason)
}

func TestApplyRejections(t *testing.T) {
	in := sample()
	cases := []struct {
		name string
		sku  string
		a    Annotation
		want error
	}{
		{"no reason", "A", Annotation{Remarks: "x"}, ErrNoReason},
		{"other without remarks", "A", Annotation{Reason: domain.ReasonOther, Remarks: "  "}, ErrRemarksMissing},
		{"unknown sku", "Z", Annotation{Reason: domain.ReasonDamage}, ErrNoMatch},
		{"reason for absent kind", "B", Annotation{OverageReason: domain.ReasonCountingError, Remarks: "x"}, ErrNoReason},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Apply(in, tc.sku, tc.a)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, in, out)
		})
	}

	_, err := Apply(in, "A", Annotation{Reason: "BOGUS"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "reason")

	_, err = Apply(in, "A", Annotation{Reason: domain.ReasonDamage, Evidence: []string{""}})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplyOtherWithRemarks(t *testing.T) {
	out, err := Apply(sample(), "B", Annotation{Reason: domain.ReasonOther, Remarks: "found behind shelf"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOther, out[3].Reason)
}

func TestSubmittable(t *testing.T) {
	discs := []domain.Discrepancy{{Serial: "x1", SKU: "X", Kind: domain.Shortage}}
	assert.False(t, Submittable(discs))
	assert.Equal(t, []string{"X"}, Pending(discs))

	discs, err := Apply(discs, "X", Annotation{Reason: domain.ReasonDamage})
	require.NoError(t, err)
	assert.True(t, Submittable(discs))
	assert.Empty(t, Pending(discs))

	assert.True(t, Submittable(nil))
	assert.True(t, Submittable([]domain.Discrepancy{{SKU: "Y", AutoResolved: true}}))
}
