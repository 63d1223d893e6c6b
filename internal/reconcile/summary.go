package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"cyclecount/internal/count"
	"cyclecount/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// SkuCount compares expected and actual quantity for one SKU.
type SkuCount struct {
	SKU          string             `json:"sku"`
	Name         string             `json:"name"`
	CountMethod  domain.CountMethod `json:"count_method,omitempty"`
	UnitPrice    decimal.Decimal    `json:"unit_price"`
	Expected     int                `json:"expected"`
	Actual       int                `json:"actual"`
	Diff         int                `json:"diff"`
	ActualAmount decimal.Decimal    `json:"actual_amount"`
	DiffAmount   decimal.Decimal    `json:"diff_amount"`
}

// SkuCounts lists every snapshot SKU plus SKUs that only appear as overages. Serial SKUs
// count confirmed units, quantity SKUs the holder's manual count. Rows with a difference
// come first; otherwise snapshot order is kept.
func SkuCounts(t domain.InventoryTask) []SkuCount {
	idx := map[string]int{}
	var rows []SkuCount
	row := func(sku, name string, price decimal.Decimal, m domain.CountMethod) *SkuCount {
		i, ok := idx[sku]
		if !ok {
			i = len(rows)
			idx[sku] = i
			rows = append(rows, SkuCount{SKU: sku, Name: name, UnitPrice: price, CountMethod: m})
		}
		return &rows[i]
	}
	holder := map[string]bool{}
	for _, it := range t.Items {
		r := row(it.SKU, it.Name, it.UnitPrice, it.CountMethod)
		r.Expected++
		if it.CountMethod == domain.CountQuantity {
			if !holder[it.SKU] {
				holder[it.SKU] = true
				r.Actual += it.ManualCount
			}
			continue
		}
		if t.Confirmed.Has(it.Serial) {
			r.Actual++
		}
	}
	for _, d := range t.Discrepancies {
		if d.Kind != domain.Overage {
			continue
		}
		if sku, _, ok := count.ParseSynthetic(d.Serial); ok && holder[sku] {
			continue
		}
		row(d.SKU, d.Name, d.UnitPrice, "").Actual++
	}
	for i := range rows {
		r := &rows[i]
		r.Diff = r.Actual - r.Expected
		r.ActualAmount = r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Actual)))
		r.DiffAmount = r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Diff)))
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return rows[a].Diff != 0 && rows[b].Diff == 0
	})
	return rows
}

// Summary carries the task-level figures shown before sign-off. Rates are percentages
// rounded to two places.
type Summary struct {
	Total          int             `json:"total"`
	Confirmed      int             `json:"confirmed"`
	Pending        int             `json:"pending"`
	Loss           int             `json:"loss"`
	Profit         int             `json:"profit"`
	Withdrawn      int             `json:"withdrawn"`
	AllConfirmed   bool            `json:"all_confirmed"`
	StockValue     decimal.Decimal `json:"stock_value"`
	ShortageAmount decimal.Decimal `json:"shortage_amount"`
	OverageAmount  decimal.Decimal `json:"overage_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	DiffAmount     decimal.Decimal `json:"diff_amount"`
	ShortageRate   decimal.Decimal `json:"shortage_rate"`
	OverageRate    decimal.Decimal `json:"overage_rate"`
	DiffRate       decimal.Decimal `json:"diff_rate"`
	SKUs           int             `json:"skus"`
	ExpectedUnits  int             `json:"expected_units"`
	DiffUnits      int             `json:"diff_units"`
}

func Summarize(t domain.InventoryTask) Summary {
	s := Summary{
		Total:          len(t.Discrepancies),
		StockValue:     decimal.Zero,
		ShortageAmount: decimal.Zero,
		OverageAmount:  decimal.Zero,
		DiffAmount:     decimal.Zero,
	}
	for _, it := range t.Items {
		s.StockValue = s.StockValue.Add(it.UnitPrice)
	}
	for _, d := range t.Discrepancies {
		if d.AutoResolved {
			s.Withdrawn++
			s.Confirmed++
			continue
		}
		if d.Kind == domain.Shortage {
			s.Loss++
			s.ShortageAmount = s.ShortageAmount.Add(d.UnitPrice)
		} else {
			s.Profit++
			s.OverageAmount = s.OverageAmount.Add(d.UnitPrice)
		}
		if d.Reason != "" {
			s.Confirmed++
		} else {
			s.Pending++
		}
	}
	s.AllConfirmed = s.Total > 0 && s.Confirmed == s.Total
	s.NetAmount = s.OverageAmount.Sub(s.ShortageAmount)

	rows := SkuCounts(t)
	s.SKUs = len(rows)
	for _, r := range rows {
		s.ExpectedUnits += r.Expected
		if r.Diff < 0 {
			s.DiffUnits -= r.Diff
		} else {
			s.DiffUnits += r.Diff
		}
		s.DiffAmount = s.DiffAmount.Add(r.DiffAmount.Abs())
	}
	s.ShortageRate = percent(s.ShortageAmount, s.StockValue)
	s.OverageRate = percent(s.OverageAmount, s.StockValue)
	s.DiffRate = percent(decimal.NewFromInt(int64(s.DiffUnits)), decimal.NewFromInt(int64(s.ExpectedUnits)))
	return s
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(2)
}
