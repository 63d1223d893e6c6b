package server

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"cyclecount/internal/annotate"
	"cyclecount/internal/count"
	"cyclecount/internal/domain"
	"cyclecount/internal/reconcile"
)

// Request payloads

type OpenTaskRequest struct {
	Date string `json:"date,omitempty" pattern:"^\\d{4}-\\d{2}-\\d{2}$" example:"2026-10-18"`
}

type ScanRequest struct {
	Serial string `json:"serial" minLength:"1" example:"SN-A-001"`
}

type QuantityRequest struct {
	Count int `json:"count" example:"2"`
}

type AnnotateRequest struct {
	Reason         string   `json:"reason,omitempty" enum:"DAMAGE,COUNTING_ERROR,SALES_FLOW,TRANSFER_OUT,TRANSFER_IN,RETURN_WAREHOUSE,WRONG_DELIVERY,NOT_RECEIVED,OTHER"`
	ShortageReason string   `json:"shortage_reason,omitempty" enum:"DAMAGE,COUNTING_ERROR,SALES_FLOW,TRANSFER_OUT,TRANSFER_IN,RETURN_WAREHOUSE,WRONG_DELIVERY,NOT_RECEIVED,OTHER"`
	OverageReason  string   `json:"overage_reason,omitempty" enum:"DAMAGE,COUNTING_ERROR,SALES_FLOW,TRANSFER_OUT,TRANSFER_IN,RETURN_WAREHOUSE,WRONG_DELIVERY,NOT_RECEIVED,OTHER"`
	Remarks        string   `json:"remarks,omitempty" maxLength:"500"`
	Evidence       []string `json:"evidence,omitempty" maxItems:"9"`
}

type SignRequest struct {
	SignedBy string `json:"signed_by" minLength:"1" example:"store manager"`
	Image    string `json:"image" minLength:"1" example:"data:image/png;base64,iVBORw0..."`
}

// Response payloads

type ItemResponse struct {
	SKU           string     `json:"sku"`
	Serial        string     `json:"serial"`
	Name          string     `json:"name"`
	UnitPrice     string     `json:"unit_price" example:"199.00"`
	CountMethod   string     `json:"count_method" enum:"SERIAL,QUANTITY"`
	ManualCount   int        `json:"manual_count,omitempty"`
	LastCountedAt *time.Time `json:"last_counted_at,omitempty" format:"date-time"`
}

type DiscrepancyResponse struct {
	Serial       string   `json:"serial"`
	SKU          string   `json:"sku"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind" enum:"SHORTAGE,OVERAGE"`
	UnitPrice    string   `json:"unit_price"`
	Reason       string   `json:"reason,omitempty"`
	ReasonLabel  string   `json:"reason_label,omitempty"`
	Remarks      string   `json:"remarks,omitempty"`
	Evidence     []string `json:"evidence"`
	AutoResolved bool     `json:"auto_resolved"`
}

type TaskResponse struct {
	ID               string                `json:"id"`
	Date             string                `json:"date"`
	Phase            string                `json:"phase" enum:"PENDING,COUNTING,RECONCILING,SIGNED,COMPLETED"`
	Status           string                `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	Items            []ItemResponse        `json:"items"`
	ConfirmedSerials []string              `json:"confirmed_serials"`
	Discrepancies    []DiscrepancyResponse `json:"discrepancies"`
	Signature        *domain.Signature     `json:"signature,omitempty"`
	LastAction       *domain.LastAction    `json:"last_action,omitempty"`
	StartedAt        *time.Time            `json:"started_at,omitempty" format:"date-time"`
	EndedAt          *time.Time            `json:"ended_at,omitempty" format:"date-time"`
	Stale            bool                  `json:"stale"`
	Submittable      bool                  `json:"submittable"`
	PendingSKUs      []string              `json:"pending_skus"`
	Progress         count.Progress        `json:"progress"`
	Version          int64                 `json:"version"`
}

type ScanResponse struct {
	Task             TaskResponse `json:"task"`
	AlreadyConfirmed bool         `json:"already_confirmed"`
}

type SkuAggregateResponse struct {
	SKU            string   `json:"sku"`
	Name           string   `json:"name"`
	UnitPrice      string   `json:"unit_price"`
	Loss           int      `json:"loss"`
	Profit         int      `json:"profit"`
	Withdrawn      int      `json:"withdrawn"`
	Pending        int      `json:"pending"`
	Reasons        []string `json:"reasons"`
	FullyConfirmed bool     `json:"fully_confirmed"`
}

type SkuCountResponse struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	CountMethod  string `json:"count_method,omitempty"`
	UnitPrice    string `json:"unit_price"`
	Expected     int    `json:"expected"`
	Actual       int    `json:"actual"`
	Diff         int    `json:"diff"`
	ActualAmount string `json:"actual_amount"`
	DiffAmount   string `json:"diff_amount"`
}

type CountsResponse struct {
	Progress count.Progress     `json:"progress"`
	Items    []SkuCountResponse `json:"items"`
}

type SummaryResponse struct {
	TaskID         string `json:"task_id"`
	Phase          string `json:"phase"`
	Total          int    `json:"total"`
	Confirmed      int    `json:"confirmed"`
	Pending        int    `json:"pending"`
	Loss           int    `json:"loss"`
	Profit         int    `json:"profit"`
	Withdrawn      int    `json:"withdrawn"`
	AllConfirmed   bool   `json:"all_confirmed"`
	StockValue     string `json:"stock_value"`
	ShortageAmount string `json:"shortage_amount"`
	OverageAmount  string `json:"overage_amount"`
	NetAmount      string `json:"net_amount"`
	DiffAmount     string `json:"diff_amount"`
	ShortageRate   string `json:"shortage_rate" example:"1.25"`
	OverageRate    string `json:"overage_rate"`
	DiffRate       string `json:"diff_rate"`
	SKUs           int    `json:"skus"`
	ExpectedUnits  int    `json:"expected_units"`
	DiffUnits      int    `json:"diff_units"`
}

type HistoryResponse struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	Date       string       `json:"date"`
	ArchivedAt string       `json:"archived_at" format:"date-time"`
	Task       TaskResponse `json:"task"`
}

type HistoryListResponse struct {
	Items []HistoryResponse `json:"items"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Serial  string         `json:"serial,omitempty"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (r AnnotateRequest) annotation() annotate.Annotation {
	return annotate.Annotation{
		Reason:         domain.Reason(r.Reason),
		ShortageReason: domain.Reason(r.ShortageReason),
		OverageReason:  domain.Reason(r.OverageReason),
		Remarks:        r.Remarks,
		Evidence:       r.Evidence,
	}
}

func taskResponse(t domain.InventoryTask) TaskResponse {
	res := TaskResponse{
		ID:               t.ID,
		Date:             t.Date,
		Phase:            string(t.Phase),
		Status:           string(t.Status()),
		Items:            make([]ItemResponse, 0, len(t.Items)),
		ConfirmedSerials: nonNilSlice(t.Confirmed.Sorted()),
		Discrepancies:    make([]DiscrepancyResponse, 0, len(t.Discrepancies)),
		Signature:        t.Signature,
		LastAction:       t.LastAction,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
		Stale:            t.Stale,
		Submittable:      annotate.Submittable(t.Discrepancies),
		PendingSKUs:      nonNilSlice(annotate.Pending(t.Discrepancies)),
		Progress:         count.Measure(t),
		Version:          t.Version,
	}
	for _, it := range t.Items {
		res.Items = append(res.Items, ItemResponse{
			SKU:           it.SKU,
			Serial:        it.Serial,
			Name:          it.Name,
			UnitPrice:     money(it.UnitPrice),
			CountMethod:   string(it.CountMethod),
			ManualCount:   it.ManualCount,
			LastCountedAt: it.LastCountedAt,
		})
	}
	for _, d := range t.Discrepancies {
		res.Discrepancies = append(res.Discrepancies, discrepancyResponse(d))
	}
	return res
}

func discrepancyResponse(d domain.Discrepancy) DiscrepancyResponse {
	res := DiscrepancyResponse{
		Serial:       d.Serial,
		SKU:          d.SKU,
		Name:         d.Name,
		Kind:         string(d.Kind),
		UnitPrice:    money(d.UnitPrice),
		Reason:       string(d.Reason),
		Remarks:      d.Remarks,
		Evidence:     nonNilSlice(d.Evidence),
		AutoResolved: d.AutoResolved,
	}
	if d.Reason != "" {
		res.ReasonLabel = d.Reason.Label()
	}
	return res
}

func aggregateResponses(in []domain.SkuAggregate) []SkuAggregateResponse {
	out := make([]SkuAggregateResponse, 0, len(in))
	for _, a := range in {
		reasons := make([]string, 0, len(a.Reasons))
		for _, r := range a.Reasons {
			reasons = append(reasons, string(r))
		}
		out = append(out, SkuAggregateResponse{
			SKU:            a.SKU,
			Name:           a.Name,
			UnitPrice:      money(a.UnitPrice),
			Loss:           a.Loss,
			Profit:         a.Profit,
			Withdrawn:      a.Withdrawn,
			Pending:        a.Pending,
			Reasons:        reasons,
			FullyConfirmed: a.FullyConfirmed,
		})
	}
	return out
}

func countsResponse(t domain.InventoryTask) CountsResponse {
	rows := reconcile.SkuCounts(t)
	res := CountsResponse{Progress: count.Measure(t), Items: make([]SkuCountResponse, 0, len(rows))}
	for _, c := range rows {
		res.Items = append(res.Items, SkuCountResponse{
			SKU:          c.SKU,
			Name:         c.Name,
			CountMethod:  string(c.CountMethod),
			UnitPrice:    money(c.UnitPrice),
			Expected:     c.Expected,
			Actual:       c.Actual,
			Diff:         c.Diff,
			ActualAmount: money(c.ActualAmount),
			DiffAmount:   money(c.DiffAmount),
		})
	}
	return res
}

func summaryResponse(t domain.InventoryTask) SummaryResponse {
	s := reconcile.Summarize(t)
	return SummaryResponse{
		TaskID:         t.ID,
		Phase:          string(t.Phase),
		Total:          s.Total,
		Confirmed:      s.Confirmed,
		Pending:        s.Pending,
		Loss:           s.Loss,
		Profit:         s.Profit,
		Withdrawn:      s.Withdrawn,
		AllConfirmed:   s.AllConfirmed,
		StockValue:     money(s.StockValue),
		ShortageAmount: money(s.ShortageAmount),
		OverageAmount:  money(s.OverageAmount),
		NetAmount:      money(s.NetAmount),
		DiffAmount:     money(s.DiffAmount),
		ShortageRate:   money(s.ShortageRate),
		OverageRate:    money(s.OverageRate),
		DiffRate:       money(s.DiffRate),
		SKUs:           s.SKUs,
		ExpectedUnits:  s.ExpectedUnits,
		DiffUnits:      s.DiffUnits,
	}
}

func historyResponse(h domain.HistoryEntry) HistoryResponse {
	return HistoryResponse{
		ID:         h.ID,
		TaskID:     h.TaskID,
		Date:       h.Date,
		ArchivedAt: h.ArchivedAt,
		Task:       taskResponse(h.Task),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		Serial:  e.Serial,
		Payload: decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
