package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cyclecount/internal/domain"
	"cyclecount/internal/store"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Get returns the blob stored under key, or store.ErrMissing.
func (r Repo) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.DB.QueryRowContext(ctx, `SELECT data FROM task_state WHERE key=?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrMissing
	}
	return data, err
}

func (r Repo) Put(ctx context.Context, key string, data []byte) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_state(key,data,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		key, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) Delete(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM task_state WHERE key=?`, key)
	return err
}

// InsertHistory archives a completed task. Entries are never updated; a task that already has
// an entry keeps it and the call is a no-op.
func (r Repo) InsertHistory(ctx context.Context, h domain.HistoryEntry) error {
	data, err := json.Marshal(h.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO task_history(id,task_id,date,archived_at,data) VALUES (?,?,?,?,?)
		ON CONFLICT(task_id) DO NOTHING`,
		h.ID, h.TaskID, h.Date, h.ArchivedAt, data)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var data []byte
	if err := row.Scan(&h.ID, &h.TaskID, &h.Date, &h.ArchivedAt, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, ErrNotFound
		}
		return h, err
	}
	if err := json.Unmarshal(data, &h.Task); err != nil {
		return h, fmt.Errorf("decode history %s: %w", h.ID, err)
	}
	return h, nil
}

// HistoryForTask returns the archive entry of taskID, or ErrNotFound.
func (r Repo) HistoryForTask(ctx context.Context, taskID string) (domain.HistoryEntry, error) {
	return scanHistory(r.DB.QueryRowContext(ctx, `SELECT id,task_id,date,archived_at,data FROM task_history WHERE task_id=?`, taskID))
}

func (r Repo) GetHistory(ctx context.Context, id string) (domain.HistoryEntry, error) {
	return scanHistory(r.DB.QueryRowContext(ctx, `SELECT id,task_id,date,archived_at,data FROM task_history WHERE id=?`, id))
}

// ListHistory returns archived tasks newest first, optionally for one task date.
func (r Repo) ListHistory(ctx context.Context, limit int, date string) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if date != "" {
		clauses = append(clauses, "date=?")
		args = append(args, date)
	}
	query := fmt.Sprintf(`SELECT id,task_id,date,archived_at,data FROM task_history WHERE %s ORDER BY archived_at DESC, id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. Empty filters match everything; a positive
// cursor restricts to ids below it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, taskID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(task_id,''),COALESCE(serial,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, taskID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(task_id,''),COALESCE(serial,''),payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Serial, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents counts events of a task, or all events when taskID is empty.
func (r Repo) CountEvents(ctx context.Context, taskID string) (int, error) {
	var n int
	var err error
	if taskID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE task_id=?`, taskID).Scan(&n)
	}
	return n, err
}
