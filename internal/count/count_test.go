package count

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclecount/internal/domain"
)

var now = time.Date(2025, 12, 15, 9, 18, 30, 0, time.UTC)

func fixture() domain.InventoryTask {
	item := func(sku, serial string, m domain.CountMethod) domain.CatalogItem {
		return domain.CatalogItem{SKU: sku, Serial: serial, Name: "item " + sku, UnitPrice: decimal.NewFromInt(10), CountMethod: m}
	}
	return domain.InventoryTask{
		ID:    "PDD202512150001",
		Date:  "2025-12-15",
		Phase: domain.PhaseCounting,
		Items: []domain.CatalogItem{
			item("A", "a1", domain.CountSerial),
			item("A", "a2", domain.CountSerial),
			item("C", "c1", domain.CountQuantity),
			item("C", "c2", domain.CountQuantity),
		},
		Confirmed: domain.NewSerialSet(),
	}
}

func TestRecordScanNoDuplicates(t *testing.T) {
	task := fixture()
	var dup bool
	for i := 0; i < 3; i++ {
		task, dup = RecordScan(task, "a1", now)
		assert.Equal(t, i > 0, dup)
	}
	assert.Equal(t, 1, task.Confirmed.Len())
	require.NotNil(t, task.LastAction)
	assert.Equal(t, "item A", task.LastAction.Name)
	require.NotNil(t, task.Items[0].LastCountedAt)
	assert.True(t, task.Items[0].LastCountedAt.Equal(now))
}

func TestRecordScanUnlisted(t *testing.T) {
	task, dup := RecordScan(fixture(), "zz9", now)
	assert.False(t, dup)
	assert.True(t, task.Confirmed.Has("zz9"))
	assert.Equal(t, domain.UnlistedName, task.LastAction.Name)
	assert.Equal(t, "zz9", task.LastAction.Serial)
}

func TestRecordScanLeavesInputUntouched(t *testing.T) {
	before := fixture()
	_, _ = RecordScan(before, "a1", now)
	assert.False(t, before.Confirmed.Has("a1"))
	assert.Nil(t, before.Items[0].LastCountedAt)
	assert.Nil(t, before.LastAction)
}

func TestScanRemoveRoundTrip(t *testing.T) {
	start, _ := RecordScan(fixture(), "a2", now)
	prior := start.Confirmed.Clone()

	scanned, _ := RecordScan(start, "a1", now.Add(time.Minute))
	removed := RemoveScan(scanned, "a1")
	assert.True(t, removed.Confirmed.Equal(prior))
	// audit fields stay
	assert.Equal(t, "a1", removed.LastAction.Serial)
	assert.NotNil(t, removed.Items[0].LastCountedAt)

	again := RemoveScan(removed, "a1")
	assert.True(t, again.Confirmed.Equal(prior))
}

func TestSetManualCountHolderAndRanks(t *testing.T) {
	task, err := SetManualCount(fixture(), "C", 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Items[2].ManualCount)
	assert.Equal(t, 0, task.Items[3].ManualCount)
	assert.True(t, task.Confirmed.Has("c1"))
	assert.False(t, task.Confirmed.Has("c2"))
	assert.Equal(t, "c1", task.LastAction.Serial)

	task, err = SetManualCount(task, "C", 2, now)
	require.NoError(t, err)
	assert.True(t, task.Confirmed.Has("c1"))
	assert.True(t, task.Confirmed.Has("c2"))
}

func TestSetManualCountBeyondExpected(t *testing.T) {
	task, err := SetManualCount(fixture(), "C", 4, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C#3", "C#4", "c1", "c2"}, task.Confirmed.Sorted())

	task, err = SetManualCount(task, "C", 3, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C#3", "c1", "c2"}, task.Confirmed.Sorted())
}

func TestSetManualCountZeroUncountsSKU(t *testing.T) {
	task, err := SetManualCount(fixture(), "C", 5, now)
	require.NoError(t, err)
	task, _ = RecordScan(task, "a1", now)
	task, err = SetManualCount(task, "C", 0, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, task.Confirmed.Sorted())
	assert.Equal(t, 0, task.Items[2].ManualCount)
}

func TestSetManualCountRejections(t *testing.T) {
	base := fixture()
	_, err := SetManualCount(base, "C", -1, now)
	assert.ErrorIs(t, err, ErrNegativeCount)
	_, err = SetManualCount(base, "nope", 1, now)
	assert.ErrorIs(t, err, ErrUnknownSKU)
	_, err = SetManualCount(base, "A", 1, now)
	assert.ErrorIs(t, err, ErrNotQuantity)
}

func TestParseSynthetic(t *testing.T) {
	sku, rank, ok := ParseSynthetic(SyntheticSerial("1000214", 3))
	assert.True(t, ok)
	assert.Equal(t, "1000214", sku)
	assert.Equal(t, 3, rank)
	for _, s := range []string{"plain", "#3", "C#", "C#x", "C#0"} {
		_, _, ok := ParseSynthetic(s)
		assert.False(t, ok, s)
	}
}

func TestCheckSerialReservesQuantityUnits(t *testing.T) {
	task := fixture()
	assert.ErrorIs(t, CheckSerial(task, "C#7"), ErrReservedSerial)
	assert.ErrorIs(t, CheckSerial(task, "A#1"), ErrReservedSerial)
	for _, s := range []string{"c1", "zz9", "Z#1", "C#x"} {
		assert.NoError(t, CheckSerial(task, s), s)
	}

	// Serials that pass the check survive a quantity edit of any SKU.
	scanned, _ := RecordScan(task, "Z#1", now)
	out, err := SetManualCount(scanned, "C", 1, now)
	require.NoError(t, err)
	assert.True(t, out.Confirmed.Has("Z#1"))
	assert.True(t, out.Confirmed.Has("c1"))
}

func TestMeasure(t *testing.T) {
	task, _ := RecordScan(fixture(), "a1", now)
	task, _ = RecordScan(task, "zz9", now)
	p := Measure(task)
	assert.Equal(t, Progress{CountedSKUs: 1, TotalSKUs: 2, CountedUnits: 1, ExpectedUnits: 4, Overages: 1}, p)

	task, err := SetManualCount(task, "C", 2, now)
	require.NoError(t, err)
	p = Measure(task)
	assert.Equal(t, 2, p.CountedSKUs)
	assert.Equal(t, 3, p.CountedUnits)
}
