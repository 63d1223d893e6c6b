// Package events records the audit trail of a counting task.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cyclecount/internal/domain"
)

const (
	TaskCreated       = "task.created"
	TaskResumed       = "task.resumed"
	TaskStarted       = "task.started"
	ScanRecorded      = "scan.recorded"
	ScanDuplicate     = "scan.duplicate"
	ScanRemoved       = "scan.removed"
	QuantitySet       = "quantity.set"
	TaskFinalized     = "task.finalized"
	TaskReopened      = "task.reopened"
	TaskReset         = "reconciliation.reset"
	DiscrepancyNoted  = "discrepancy.annotated"
	TaskSigned        = "task.signed"
	TaskCompleted     = "task.completed"
	TaskArchiveFailed = "task.archive_failed"
)

type EventPayload map[string]any

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// New stamps an event for task. The id is assigned on insert.
func (w Writer) New(evtType, taskID, serial string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return domain.Event{
		TS:      now().UTC().Format(time.RFC3339Nano),
		Type:    evtType,
		TaskID:  taskID,
		Serial:  serial,
		Payload: string(data),
	}, nil
}

func (w Writer) Append(ctx context.Context, ex Execer, evt domain.Event) error {
	payload := evt.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,serial,payload_json) VALUES (?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.TaskID), nullable(evt.Serial), payload)
	return err
}

// AppendEvents writes evts in one transaction.
func (w Writer) AppendEvents(ctx context.Context, evts []domain.Event) error {
	if len(evts) == 0 {
		return nil
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, evt := range evts {
		if err := w.Append(ctx, tx, evt); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type, err)
		}
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
