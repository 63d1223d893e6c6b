// Package count applies scan and quantity events to a task. Every function returns a new
// task value and leaves its input untouched.
package count

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cyclecount/internal/domain"
)

var (
	ErrUnknownSKU     = errors.New("sku not in snapshot")
	ErrNotQuantity    = errors.New("sku is not counted by quantity")
	ErrNegativeCount  = errors.New("count must not be negative")
	ErrReservedSerial = errors.New("serial is reserved for quantity units")
)

// CheckSerial refuses serials that would collide with a synthetic unit of a snapshot SKU.
func CheckSerial(t domain.InventoryTask, serial string) error {
	if sku, _, ok := ParseSynthetic(serial); ok && len(unitsOf(t, sku)) > 0 {
		return fmt.Errorf("%w: %s", ErrReservedSerial, serial)
	}
	return nil
}

// RecordScan confirms serial and reports whether it was already confirmed. Serials outside
// the snapshot are kept in the set as candidate overages.
func RecordScan(t domain.InventoryTask, serial string, now time.Time) (domain.InventoryTask, bool) {
	out := t.Clone()
	dup := out.Confirmed.Add(serial)
	name := domain.UnlistedName
	if i := out.ItemBySerial(serial); i >= 0 {
		ts := now
		out.Items[i].LastCountedAt = &ts
		name = out.Items[i].Name
	}
	out.LastAction = &domain.LastAction{Name: name, Time: now, Serial: serial}
	return out, dup
}

// RemoveScan drops serial from the confirmed set. Audit fields are not reverted.
func RemoveScan(t domain.InventoryTask, serial string) domain.InventoryTask {
	out := t.Clone()
	out.Confirmed.Remove(serial)
	return out
}

// SetManualCount records a total for a quantity-counted SKU. The first snapshot unit of the
// SKU holds the count; the first n units in snapshot order are confirmed and every unit
// beyond the expected quantity is confirmed under a synthetic serial, see SyntheticSerial.
func SetManualCount(t domain.InventoryTask, sku string, n int, now time.Time) (domain.InventoryTask, error) {
	if n < 0 {
		return t, ErrNegativeCount
	}
	idx := unitsOf(t, sku)
	if len(idx) == 0 {
		return t, fmt.Errorf("%w: %s", ErrUnknownSKU, sku)
	}
	if t.Items[idx[0]].CountMethod != domain.CountQuantity {
		return t, fmt.Errorf("%w: %s", ErrNotQuantity, sku)
	}
	out := t.Clone()
	for k, i := range idx {
		out.Confirmed.Remove(out.Items[i].Serial)
		if k == 0 {
			out.Items[i].ManualCount = n
			if n > 0 {
				ts := now
				out.Items[i].LastCountedAt = &ts
			}
			continue
		}
		out.Items[i].ManualCount = 0
	}
	for _, s := range out.Confirmed.Sorted() {
		if owner, _, ok := ParseSynthetic(s); ok && owner == sku {
			out.Confirmed.Remove(s)
		}
	}
	for rank := 1; rank <= n; rank++ {
		if rank <= len(idx) {
			out.Confirmed.Add(out.Items[idx[rank-1]].Serial)
			continue
		}
		out.Confirmed.Add(SyntheticSerial(sku, rank))
	}
	if n > 0 {
		holder := out.Items[idx[0]]
		out.LastAction = &domain.LastAction{Name: holder.Name, Time: now, Serial: holder.Serial}
	}
	return out, nil
}

// SyntheticSerial names the rank-th unit of a quantity SKU that has no snapshot record.
func SyntheticSerial(sku string, rank int) string {
	return sku + "#" + strconv.Itoa(rank)
}

func ParseSynthetic(serial string) (sku string, rank int, ok bool) {
	i := strings.LastIndexByte(serial, '#')
	if i <= 0 || i == len(serial)-1 {
		return "", 0, false
	}
	rank, err := strconv.Atoi(serial[i+1:])
	if err != nil || rank <= 0 {
		return "", 0, false
	}
	return serial[:i], rank, true
}

func unitsOf(t domain.InventoryTask, sku string) []int {
	var idx []int
	for i := range t.Items {
		if t.Items[i].SKU == sku {
			idx = append(idx, i)
		}
	}
	return idx
}

type Progress struct {
	CountedSKUs   int `json:"counted_skus"`
	TotalSKUs     int `json:"total_skus"`
	CountedUnits  int `json:"counted_units"`
	ExpectedUnits int `json:"expected_units"`
	Overages      int `json:"overages"`
}

// Measure reports how far counting has got. A SKU counts as started once any unit is
// confirmed or its holder carries a manual count.
func Measure(t domain.InventoryTask) Progress {
	p := Progress{ExpectedUnits: len(t.Items)}
	seen := map[string]bool{}
	started := map[string]bool{}
	expected := make(map[string]bool, len(t.Items))
	for _, it := range t.Items {
		expected[it.Serial] = true
		if !seen[it.SKU] {
			seen[it.SKU] = true
			p.TotalSKUs++
		}
		if t.Confirmed.Has(it.Serial) {
			p.CountedUnits++
			started[it.SKU] = true
		}
		if it.ManualCount > 0 {
			started[it.SKU] = true
		}
	}
	p.CountedSKUs = len(started)
	for _, s := range t.Confirmed.Sorted() {
		if !expected[s] {
			p.Overages++
		}
	}
	return p
}
