// Package reconcile derives shortages and overages from a counted task and rolls them up
// per SKU.
package reconcile

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"cyclecount/internal/catalog"
	"cyclecount/internal/count"
	"cyclecount/internal/domain"
)

// Derive fills the discrepancy set of t. A task that already carries discrepancies is
// returned unchanged with false, so operator annotations survive repeated phase entry.
// Provider and ledger may be nil.
func Derive(ctx context.Context, t domain.InventoryTask, p catalog.Provider, l catalog.Ledger) (domain.InventoryTask, bool) {
	if len(t.Discrepancies) > 0 {
		return t, false
	}
	discs := Compute(ctx, t, p, l)
	out := t.Clone()
	out.Discrepancies = discs
	out.Stale = false
	return out, true
}

// Compute builds the full discrepancy set without looking at the existing one. Shortages come
// first in snapshot order, then overages sorted by serial.
func Compute(ctx context.Context, t domain.InventoryTask, p catalog.Provider, l catalog.Ledger) []domain.Discrepancy {
	discs := make([]domain.Discrepancy, 0)
	inSnapshot := make(map[string]bool, len(t.Items))
	for _, it := range t.Items {
		inSnapshot[it.Serial] = true
		if t.Confirmed.Has(it.Serial) {
			continue
		}
		discs = append(discs, domain.Discrepancy{
			Serial:    it.Serial,
			SKU:       it.SKU,
			Name:      it.Name,
			Kind:      domain.Shortage,
			UnitPrice: it.UnitPrice,
		})
	}
	for _, serial := range t.Confirmed.Sorted() {
		if inSnapshot[serial] {
			continue
		}
		e := resolve(ctx, t, p, serial)
		discs = append(discs, domain.Discrepancy{
			Serial:    serial,
			SKU:       e.SKU,
			Name:      e.Name,
			Kind:      domain.Overage,
			UnitPrice: e.UnitPrice,
		})
	}
	if l != nil {
		for i := range discs {
			r, ok := l.Explain(ctx, discs[i].Serial)
			if !ok || !r.Explains(discs[i].Kind) {
				continue
			}
			discs[i].Reason = r
			discs[i].AutoResolved = true
		}
	}
	return discs
}

// resolve looks serial up in the catalog, then as a synthetic quantity unit of a snapshot SKU,
// and falls back to the unlisted sentinel.
func resolve(ctx context.Context, t domain.InventoryTask, p catalog.Provider, serial string) catalog.Entry {
	if p != nil {
		if e, ok := p.ResolveBySerial(ctx, serial); ok {
			return e
		}
	}
	if sku, _, ok := count.ParseSynthetic(serial); ok {
		for _, it := range t.Items {
			if it.SKU == sku {
				return catalog.Entry{SKU: it.SKU, Name: it.Name, UnitPrice: it.UnitPrice}
			}
		}
	}
	return catalog.Entry{SKU: domain.UnknownSKU, Name: domain.UnlistedName, UnitPrice: decimal.Zero}
}

// Carry copies operator annotations from prev onto next for entries with the same serial and
// kind. Auto-resolved entries keep their system reason.
func Carry(prev, next []domain.Discrepancy) []domain.Discrepancy {
	type key struct {
		serial string
		kind   domain.DiscrepancyKind
	}
	old := make(map[key]domain.Discrepancy, len(prev))
	for _, d := range prev {
		if !d.AutoResolved {
			old[key{d.Serial, d.Kind}] = d
		}
	}
	out := domain.CloneDiscrepancies(next)
	for i := range out {
		if out[i].AutoResolved {
			continue
		}
		if d, ok := old[key{out[i].Serial, out[i].Kind}]; ok {
			out[i].Reason = d.Reason
			out[i].Remarks = d.Remarks
			if d.Evidence != nil {
				out[i].Evidence = append([]string(nil), d.Evidence...)
			}
		}
	}
	return out
}

// Aggregate rolls discrepancies up per SKU, sorted by SKU.
func Aggregate(discs []domain.Discrepancy) []domain.SkuAggregate {
	idx := map[string]int{}
	var out []domain.SkuAggregate
	reasons := map[string]map[domain.Reason]bool{}
	for _, d := range discs {
		i, ok := idx[d.SKU]
		if !ok {
			i = len(out)
			idx[d.SKU] = i
			out = append(out, domain.SkuAggregate{SKU: d.SKU, Name: d.Name, UnitPrice: d.UnitPrice})
			reasons[d.SKU] = map[domain.Reason]bool{}
		}
		g := &out[i]
		switch {
		case d.AutoResolved:
			g.Withdrawn++
		case d.Kind == domain.Shortage:
			g.Loss++
		default:
			g.Profit++
		}
		if d.Reason != "" {
			reasons[d.SKU][d.Reason] = true
		} else if !d.AutoResolved {
			g.Pending++
		}
	}
	for i := range out {
		g := &out[i]
		g.Reasons = make([]domain.Reason, 0, len(reasons[g.SKU]))
		for r := range reasons[g.SKU] {
			g.Reasons = append(g.Reasons, r)
		}
		sort.Slice(g.Reasons, func(a, b int) bool { return g.Reasons[a] < g.Reasons[b] })
		g.FullyConfirmed = g.Pending == 0
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SKU < out[b].SKU })
	return out
}
