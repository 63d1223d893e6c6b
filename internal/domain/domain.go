package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	UnknownSKU   = "UNKNOWN"
	UnlistedName = "Unlisted Item"
)

type CountMethod string

const (
	CountSerial   CountMethod = "SERIAL"
	CountQuantity CountMethod = "QUANTITY"
)

// Phase is the explicit workflow position of a task.
type Phase string

const (
	PhasePending     Phase = "PENDING"
	PhaseCounting    Phase = "COUNTING"
	PhaseReconciling Phase = "RECONCILING"
	PhaseSigned      Phase = "SIGNED"
	PhaseCompleted   Phase = "COMPLETED"
)

// Status is the coarse three-state lifecycle understood by external collaborators.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

type DiscrepancyKind string

const (
	Shortage DiscrepancyKind = "SHORTAGE"
	Overage  DiscrepancyKind = "OVERAGE"
)

type CatalogItem struct {
	SKU           string          `json:"sku"`
	Serial        string          `json:"serial"`
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	CountMethod   CountMethod     `json:"count_method" enum:"SERIAL,QUANTITY"`
	ManualCount   int             `json:"manual_count,omitempty"`
	LastCountedAt *time.Time      `json:"last_counted_at,omitempty" format:"date-time"`
}

type LastAction struct {
	Name   string    `json:"name"`
	Time   time.Time `json:"time" format:"date-time"`
	Serial string    `json:"serial"`
}

type Signature struct {
	ID       string    `json:"id"`
	SignedBy string    `json:"signed_by"`
	Image    string    `json:"image"`
	SignedAt time.Time `json:"signed_at" format:"date-time"`
}

type Discrepancy struct {
	Serial       string          `json:"serial"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Kind         DiscrepancyKind `json:"kind" enum:"SHORTAGE,OVERAGE"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Reason       Reason          `json:"reason,omitempty"`
	Remarks      string          `json:"remarks,omitempty"`
	Evidence     []string        `json:"evidence,omitempty"`
	AutoResolved bool            `json:"auto_resolved"`
}

// InventoryTask is the aggregate root of one counting cycle. Operations treat it as a
// value: every mutation produces a new task and never touches slices or sets owned by
// the previous one.
type InventoryTask struct {
	ID            string        `json:"id"`
	Date          string        `json:"date"`
	Phase         Phase         `json:"phase" enum:"PENDING,COUNTING,RECONCILING,SIGNED,COMPLETED"`
	Items         []CatalogItem `json:"items"`
	Confirmed     SerialSet     `json:"confirmed_serials"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Signature     *Signature    `json:"signature,omitempty"`
	LastAction    *LastAction   `json:"last_action,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *time.Time    `json:"ended_at,omitempty" format:"date-time"`
	Stale         bool          `json:"stale,omitempty"`
	Version       int64         `json:"version"`
}

// Status maps the phase onto the persisted three-state model.
func (t InventoryTask) Status() Status {
	switch t.Phase {
	case PhasePending, "":
		return StatusPending
	case PhaseCompleted:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// Clone returns a deep copy so callers can mutate freely.
func (t InventoryTask) Clone() InventoryTask {
	out := t
	out.Items = make([]CatalogItem, len(t.Items))
	copy(out.Items, t.Items)
	out.Confirmed = t.Confirmed.Clone()
	out.Discrepancies = CloneDiscrepancies(t.Discrepancies)
	if t.Signature != nil {
		s := *t.Signature
		out.Signature = &s
	}
	if t.LastAction != nil {
		la := *t.LastAction
		out.LastAction = &la
	}
	return out
}

func CloneDiscrepancies(in []Discrepancy) []Discrepancy {
	if in == nil {
		return nil
	}
	out := make([]Discrepancy, len(in))
	for i, d := range in {
		if d.Evidence != nil {
			d.Evidence = append([]string(nil), d.Evidence...)
		}
		out[i] = d
	}
	return out
}

// ItemBySerial returns the snapshot index of serial, or -1.
func (t InventoryTask) ItemBySerial(serial string) int {
	for i := range t.Items {
		if t.Items[i].Serial == serial {
			return i
		}
	}
	return -1
}

type taskJSON InventoryTask

// MarshalJSON adds the derived status next to the phase.
func (t InventoryTask) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		taskJSON
		Status Status `json:"status"`
	}{taskJSON(t), t.Status()})
}

func (t *InventoryTask) UnmarshalJSON(data []byte) error {
	var raw struct {
		taskJSON
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = InventoryTask(raw.taskJSON)
	if t.Phase == "" {
		// blobs written by the three-state model carry only a status
		switch raw.Status {
		case StatusInProgress:
			t.Phase = PhaseCounting
			if len(t.Discrepancies) > 0 {
				t.Phase = PhaseReconciling
			}
			if t.Signature != nil {
				t.Phase = PhaseSigned
			}
		case StatusCompleted:
			t.Phase = PhaseCompleted
		default:
			t.Phase = PhasePending
		}
	}
	return nil
}

// SkuAggregate is the per-SKU rollup of discrepancies. It is derived on every read.
type SkuAggregate struct {
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Loss           int             `json:"loss"`
	Profit         int             `json:"profit"`
	Withdrawn      int             `json:"withdrawn"`
	Pending        int             `json:"pending"`
	Reasons        []Reason        `json:"reasons"`
	FullyConfirmed bool            `json:"fully_confirmed"`
}

type HistoryEntry struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Date       string        `json:"date"`
	ArchivedAt string        `json:"archived_at" format:"date-time"`
	Task       InventoryTask `json:"task"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Payload string `json:"payload_json"`
}
