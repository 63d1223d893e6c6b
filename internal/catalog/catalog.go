// Package catalog supplies the expected snapshot for a counting date and resolves
// serial numbers that turn up outside of it.
package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cyclecount/internal/domain"
)

// Entry is what the catalog knows about a serial.
type Entry struct {
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
}

type Provider interface {
	ExpectedItems(ctx context.Context, date string) ([]domain.CatalogItem, error)
	ResolveBySerial(ctx context.Context, serial string) (Entry, bool)
}

// Ledger cross-checks a serial against sales, transfer and return records. A hit explains a
// discrepancy without operator input.
type Ledger interface {
	Explain(ctx context.Context, serial string) (domain.Reason, bool)
}

// Static serves the same item list for every date.
type Static struct {
	Items []domain.CatalogItem
	// Extra resolves serials that are known to the catalog but not expected in the snapshot.
	Extra map[string]Entry
}

func (s Static) ExpectedItems(_ context.Context, _ string) ([]domain.CatalogItem, error) {
	out := make([]domain.CatalogItem, len(s.Items))
	copy(out, s.Items)
	return out, nil
}

func (s Static) ResolveBySerial(_ context.Context, serial string) (Entry, bool) {
	for _, it := range s.Items {
		if it.Serial == serial {
			return Entry{SKU: it.SKU, Name: it.Name, UnitPrice: it.UnitPrice}, true
		}
	}
	e, ok := s.Extra[serial]
	return e, ok
}

// LedgerMap is a fixed serial -> reason ledger.
type LedgerMap map[string]domain.Reason

func (l LedgerMap) Explain(_ context.Context, serial string) (domain.Reason, bool) {
	r, ok := l[serial]
	return r, ok
}

type fileItem struct {
	SKU         string `yaml:"sku"`
	Serial      string `yaml:"serial"`
	Name        string `yaml:"name"`
	UnitPrice   string `yaml:"unit_price"`
	CountMethod string `yaml:"count_method"`
}

type fileCatalog struct {
	Items []fileItem `yaml:"items"`
	Extra []fileItem `yaml:"extra"`
}

// LoadFile reads a YAML snapshot:
//
//	items:
//	  - {sku: "1000101", serial: "86542105100000", name: "Phone", unit_price: "4599", count_method: SERIAL}
//	extra:
//	  - {sku: "1000999", serial: "86542105999900", name: "Other phone", unit_price: "1999"}
func LoadFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Static{}, err
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Static{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	var st Static
	seen := map[string]bool{}
	for i, fi := range fc.Items {
		item, err := fi.toItem()
		if err != nil {
			return Static{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		if seen[item.Serial] {
			return Static{}, fmt.Errorf("items[%d]: duplicate serial %s", i, item.Serial)
		}
		seen[item.Serial] = true
		st.Items = append(st.Items, item)
	}
	if len(fc.Extra) > 0 {
		st.Extra = make(map[string]Entry, len(fc.Extra))
	}
	for i, fi := range fc.Extra {
		item, err := fi.toItem()
		if err != nil {
			return Static{}, fmt.Errorf("extra[%d]: %w", i, err)
		}
		st.Extra[item.Serial] = Entry{SKU: item.SKU, Name: item.Name, UnitPrice: item.UnitPrice}
	}
	return st, nil
}

func (fi fileItem) toItem() (domain.CatalogItem, error) {
	if fi.SKU == "" || fi.Serial == "" {
		return domain.CatalogItem{}, fmt.Errorf("sku and serial required")
	}
	price := decimal.Zero
	if fi.UnitPrice != "" {
		p, err := decimal.NewFromString(fi.UnitPrice)
		if err != nil {
			return domain.CatalogItem{}, fmt.Errorf("unit_price: %w", err)
		}
		price = p
	}
	method := domain.CountMethod(fi.CountMethod)
	switch method {
	case "":
		method = domain.CountSerial
	case domain.CountSerial, domain.CountQuantity:
	default:
		return domain.CatalogItem{}, fmt.Errorf("invalid count_method %s", fi.CountMethod)
	}
	return domain.CatalogItem{
		SKU:         fi.SKU,
		Serial:      fi.Serial,
		Name:        fi.Name,
		UnitPrice:   price,
		CountMethod: method,
	}, nil
}
