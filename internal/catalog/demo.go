package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cyclecount/internal/domain"
)

// Demo generates the showroom snapshot: one ten-unit star SKU, six SKUs of three units and
// thirteen SKUs of two units. The last five SKUs are counted by quantity.
func Demo() Static {
	var items []domain.CatalogItem
	for i := 0; i < 10; i++ {
		items = append(items, domain.CatalogItem{
			SKU:         "1000101",
			Serial:      fmt.Sprintf("865421051000%02d", i),
			Name:        "Xiaomi 15 Green 12GB RAM 256GB ROM",
			UnitPrice:   decimal.NewFromInt(4599),
			CountMethod: domain.CountSerial,
		})
	}
	serial := 2000
	for i := 0; i < 19; i++ {
		name := fmt.Sprintf("Xiaomi 15 Pro %dGB Titanium", 256+i*128)
		price := decimal.NewFromInt(6499)
		if i >= 6 {
			variant := "Plus"
			if i%2 == 0 {
				variant = "Pro"
			}
			name = fmt.Sprintf("Xiaomi Redmi Note 13 %s 5G", variant)
			price = decimal.NewFromInt(1999)
		}
		qty := 2
		if i < 6 {
			qty = 3
		}
		method := domain.CountSerial
		if i >= 14 {
			method = domain.CountQuantity
		}
		for q := 0; q < qty; q++ {
			items = append(items, domain.CatalogItem{
				SKU:         fmt.Sprintf("1000%d", 200+i),
				Serial:      fmt.Sprintf("86542105%d", serial),
				Name:        name,
				UnitPrice:   price,
				CountMethod: method,
			})
			serial++
		}
	}
	return Static{Items: items}
}

// DemoLedger explains serials by their last digit: 0 sold, 1 transferred out, 2 returned to
// the warehouse.
type DemoLedger struct{}

func (DemoLedger) Explain(_ context.Context, serial string) (domain.Reason, bool) {
	if serial == "" {
		return "", false
	}
	switch serial[len(serial)-1] {
	case '0':
		return domain.ReasonSalesFlow, true
	case '1':
		return domain.ReasonTransferOut, true
	case '2':
		return domain.ReasonReturnWarehouse, true
	}
	return "", false
}
