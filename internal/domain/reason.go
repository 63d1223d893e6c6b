package domain

type Reason string

const (
	ReasonDamage        Reason = "DAMAGE"
	ReasonCountingError Reason = "COUNTING_ERROR"
	ReasonOther         Reason = "OTHER"

	ReasonSalesFlow       Reason = "SALES_FLOW"
	ReasonTransferOut     Reason = "TRANSFER_OUT"
	ReasonTransferIn      Reason = "TRANSFER_IN"
	ReasonReturnWarehouse Reason = "RETURN_WAREHOUSE"
	ReasonWrongDelivery   Reason = "WRONG_DELIVERY"
	ReasonNotReceived     Reason = "NOT_RECEIVED"
)

var reasonLabels = map[Reason]string{
	ReasonDamage:          "Damage/Loss",
	ReasonCountingError:   "Counting Error",
	ReasonOther:           "Other",
	ReasonSalesFlow:       "Sales Flow",
	ReasonTransferOut:     "Transfer Out",
	ReasonTransferIn:      "Transfer In",
	ReasonReturnWarehouse: "Return to Warehouse",
	ReasonWrongDelivery:   "Wrong Delivery",
	ReasonNotReceived:     "Not Received",
}

// Reasons lists every known reason code in display order.
func Reasons() []Reason {
	return []Reason{
		ReasonDamage, ReasonCountingError, ReasonSalesFlow, ReasonTransferOut, ReasonTransferIn,
		ReasonReturnWarehouse, ReasonWrongDelivery, ReasonNotReceived, ReasonOther,
	}
}

func (r Reason) Valid() bool {
	_, ok := reasonLabels[r]
	return ok
}

func (r Reason) Label() string {
	if l, ok := reasonLabels[r]; ok {
		return l
	}
	return string(r)
}

// Explains reports whether a system-attributed reason can account for a discrepancy of kind.
// Operator reasons fit either kind.
func (r Reason) Explains(kind DiscrepancyKind) bool {
	switch r {
	case ReasonSalesFlow, ReasonTransferOut, ReasonReturnWarehouse, ReasonNotReceived:
		return kind == Shortage
	case ReasonTransferIn, ReasonWrongDelivery:
		return kind == Overage
	default:
		return r.Valid()
	}
}
