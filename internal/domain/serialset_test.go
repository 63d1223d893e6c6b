package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialSetAddReportsDuplicates(t *testing.T) {
	var s SerialSet
	assert.False(t, s.Add("a1"))
	assert.True(t, s.Add("a1"))
	assert.Equal(t, 1, s.Len())
	s.Remove("a1")
	s.Remove("a1")
	assert.Equal(t, 0, s.Len())
}

func TestSerialSetJSONDedupsAndSorts(t *testing.T) {
	var s SerialSet
	require.NoError(t, json.Unmarshal([]byte(`["b","a","b","c","a"]`), &s))
	assert.Equal(t, 3, s.Len())
	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, string(out))
}

func TestSerialSetCloneIsIndependent(t *testing.T) {
	s := NewSerialSet("x")
	c := s.Clone()
	c.Add("y")
	assert.False(t, s.Has("y"))
	assert.True(t, c.Has("x"))
	assert.False(t, s.Equal(c))
}

func TestTaskJSONCarriesStatusAndSet(t *testing.T) {
	task := InventoryTask{
		ID:        "PDD202501010001",
		Date:      "2025-01-01",
		Phase:     PhaseReconciling,
		Items:     []CatalogItem{{SKU: "A", Serial: "a1", Name: "Phone", UnitPrice: decimal.NewFromInt(100), CountMethod: CountSerial}},
		Confirmed: NewSerialSet("a1", "zz9"),
	}
	data, err := json.Marshal(task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "IN_PROGRESS", raw["status"])
	assert.Equal(t, "RECONCILING", raw["phase"])
	assert.ElementsMatch(t, []any{"a1", "zz9"}, raw["confirmed_serials"])

	var back InventoryTask
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Confirmed.Equal(task.Confirmed))
	assert.Equal(t, PhaseReconciling, back.Phase)
	assert.True(t, back.Items[0].UnitPrice.Equal(decimal.NewFromInt(100)))
}

func TestTaskJSONInfersPhaseFromStatus(t *testing.T) {
	cases := []struct {
		in   string
		want Phase
	}{
		{`{"id":"t","status":"PENDING"}`, PhasePending},
		{`{"id":"t","status":"IN_PROGRESS"}`, PhaseCounting},
		{`{"id":"t","status":"IN_PROGRESS","discrepancies":[{"serial":"a","kind":"SHORTAGE"}]}`, PhaseReconciling},
		{`{"id":"t","status":"IN_PROGRESS","signature":{"signed_by":"x"}}`, PhaseSigned},
		{`{"id":"t","status":"COMPLETED"}`, PhaseCompleted},
	}
	for _, tc := range cases {
		var got InventoryTask
		require.NoError(t, json.Unmarshal([]byte(tc.in), &got))
		assert.Equal(t, tc.want, got.Phase, tc.in)
	}
}

func TestCloneDoesNotShareState(t *testing.T) {
	task := InventoryTask{
		Items:         []CatalogItem{{SKU: "A", Serial: "a1"}},
		Confirmed:     NewSerialSet("a1"),
		Discrepancies: []Discrepancy{{Serial: "a2", Evidence: []string{"img"}}},
	}
	c := task.Clone()
	c.Items[0].ManualCount = 5
	c.Confirmed.Remove("a1")
	c.Discrepancies[0].Evidence[0] = "changed"
	assert.Equal(t, 0, task.Items[0].ManualCount)
	assert.True(t, task.Confirmed.Has("a1"))
	assert.Equal(t, "img", task.Discrepancies[0].Evidence[0])
}
