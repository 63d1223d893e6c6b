package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cyclecount/internal/annotate"
	"cyclecount/internal/catalog"
	"cyclecount/internal/config"
	"cyclecount/internal/count"
	"cyclecount/internal/domain"
	"cyclecount/internal/events"
	"cyclecount/internal/reconcile"
	"cyclecount/internal/repo"
	"cyclecount/internal/store"
	"cyclecount/internal/workflow"
)

const DateLayout = "2006-01-02"

// Engine runs task operations. Every method takes the current task value and returns the
// next one; the argument is never modified. Successful mutations bump Version and are handed
// to the mirror together with their audit event.
type Engine struct {
	Store   store.Store
	Mirror  *store.Mirror
	Repo    repo.Repo
	Catalog catalog.Provider
	Ledger  catalog.Ledger
	Events  events.Writer
	Config  *config.Config
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// New wires an engine over a migrated workspace database using the SQLite task store and the
// demo catalog. Callers replace Store, Catalog or Ledger for other setups.
func New(conn *sql.DB, cfg *config.Config, log logrus.FieldLogger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := repo.Repo{DB: conn}
	e := Engine{
		Store:   store.Store{Backend: r, Log: log},
		Repo:    r,
		Catalog: catalog.Demo(),
		Events:  events.Writer{DB: conn},
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
	if cfg.Catalog.Ledger {
		e.Ledger = catalog.DemoLedger{}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func (e Engine) key() string {
	if e.Config != nil && e.Config.Store.Key != "" {
		return e.Config.Store.Key
	}
	return "current-task"
}

// Today formats the engine clock as a task date.
func (e Engine) Today() string {
	return e.now().Format(DateLayout)
}

// TaskID builds the task id for date: prefix, yyyymmdd, four digit sequence.
func (e Engine) TaskID(date string, seq int) string {
	prefix := "PDD"
	if e.Config != nil && e.Config.Counting.TaskPrefix != "" {
		prefix = e.Config.Counting.TaskPrefix
	}
	return fmt.Sprintf("%s%s%04d", prefix, strings.ReplaceAll(date, "-", ""), seq)
}

// Open resumes the stored task when it is still in flight, whatever its date. A completed
// task of the same date is returned read-only. Otherwise a new task is created from the
// catalog.
func (e Engine) Open(ctx context.Context, date string) (domain.InventoryTask, error) {
	if date == "" {
		date = e.Today()
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return domain.InventoryTask{}, workflow.Reject("open", "", fmt.Sprintf("invalid date %q, want YYYY-MM-DD", date))
	}
	log := e.logger().WithFields(logrus.Fields{"module": "engine", "func": "Open", "date": date})
	if e.Mirror != nil {
		if err := e.Mirror.Flush(ctx); err != nil {
			return domain.InventoryTask{}, err
		}
	}
	if stored, ok := e.Store.Load(ctx, e.key()); ok {
		if stored.Phase != domain.PhaseCompleted {
			if stored.Date != date {
				log.WithFields(logrus.Fields{"task_id": stored.ID, "task_date": stored.Date}).Warn("resuming unfinished task from another date")
			}
			e.persist(stored, events.TaskResumed, stored.ID, "", events.EventPayload{"requested_date": date, "phase": stored.Phase})
			return stored, nil
		}
		if stored.Date == date {
			return stored, nil
		}
	}
	items, err := e.Catalog.ExpectedItems(ctx, date)
	if err != nil {
		return domain.InventoryTask{}, fmt.Errorf("load expected items: %w", err)
	}
	archived, err := e.Repo.ListHistory(ctx, 1000, date)
	if err != nil {
		return domain.InventoryTask{}, fmt.Errorf("count archived tasks: %w", err)
	}
	t := domain.InventoryTask{
		ID:            e.TaskID(date, len(archived)+1),
		Date:          date,
		Phase:         domain.PhasePending,
		Items:         items,
		Confirmed:     domain.NewSerialSet(),
		Discrepancies: []domain.Discrepancy{},
		Version:       1,
	}
	log.WithFields(logrus.Fields{"task_id": t.ID, "items": len(items)}).Info("task created")
	e.persist(t, events.TaskCreated, t.ID, "", events.EventPayload{"items": len(items)})
	return t, nil
}

// Start moves a pending task into counting. It is an explicit step, never implied by a scan.
func (e Engine) Start(ctx context.Context, t domain.InventoryTask) (domain.InventoryTask, error) {
	next, err := workflow.Move(t, domain.PhaseCounting)
	if err != nil {
		return t, err
	}
	ts := e.now()
	next.StartedAt = &ts
	return e.commit(t, next, events.TaskStarted, "", nil), nil
}

// Scan confirms serial and reports whether it had already been confirmed.
func (e Engine) Scan(ctx context.Context, t domain.InventoryTask, serial string) (domain.InventoryTask, bool, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return t, false, workflow.Reject("scan", t.Phase, "serial is required")
	}
	if err := workflow.Require("scan", t, domain.PhaseCounting); err != nil {
		return t, false, err
	}
	if err := count.CheckSerial(t, serial); err != nil {
		return t, false, err
	}
	next, dup := count.RecordScan(t, serial, e.now())
	typ := events.ScanRecorded
	if dup {
		typ = events.ScanDuplicate
	} else if len(t.Discrepancies) > 0 {
		next.Stale = true
	}
	e.logger().WithFields(logrus.Fields{"module": "engine", "task_id": t.ID, "serial": serial, "duplicate": dup}).Debug("scan")
	return e.commit(t, next, typ, serial, events.EventPayload{"name": next.LastAction.Name}), dup, nil
}

// Unscan drops serial from the confirmed set. Removing an absent serial changes nothing.
func (e Engine) Unscan(ctx context.Context, t domain.InventoryTask, serial string) (domain.InventoryTask, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return t, workflow.Reject("unscan", t.Phase, "serial is required")
	}
	if err := workflow.Require("unscan", t, domain.PhaseCounting); err != nil {
		return t, err
	}
	if !t.Confirmed.Has(serial) {
		return t, nil
	}
	next := count.RemoveScan(t, serial)
	if len(t.Discrepancies) > 0 {
		next.Stale = true
	}
	return e.commit(t, next, events.ScanRemoved, serial, nil), nil
}

// SetQuantity records the counted total of a quantity SKU.
func (e Engine) SetQuantity(ctx context.Context, t domain.InventoryTask, sku string, n int) (domain.InventoryTask, error) {
	if err := workflow.Require("set quantity", t, domain.PhaseCounting); err != nil {
		return t, err
	}
	next, err := count.SetManualCount(t, strings.TrimSpace(sku), n, e.now())
	if err != nil {
		return t, err
	}
	if len(t.Discrepancies) > 0 {
		next.Stale = true
	}
	return e.commit(t, next, events.QuantitySet, "", events.EventPayload{"sku": sku, "count": n}), nil
}

// Finalize ends counting and derives discrepancies unless the task already has them.
func (e Engine) Finalize(ctx context.Context, t domain.InventoryTask) (domain.InventoryTask, error) {
	next, err := workflow.Move(t, domain.PhaseReconciling)
	if err != nil {
		return t, err
	}
	next, derived := reconcile.Derive(ctx, next, e.Catalog, e.Ledger)
	e.logger().WithFields(logrus.Fields{
		"module":        "engine",
		"task_id":       t.ID,
		"derived":       derived,
		"discrepancies": len(next.Discrepancies),
		"stale":         next.Stale,
	}).Info("reconciliation entered")
	return e.commit(t, next, events.TaskFinalized, "", events.EventPayload{
		"derived":       derived,
		"discrepancies": len(next.Discrepancies),
		"stale":         next.Stale,
	}), nil
}

// Reopen returns to counting. Discrepancies are kept; later count changes mark them stale.
func (e Engine) Reopen(ctx context.Context, t domain.InventoryTask) (domain.InventoryTask, error) {
	next, err := workflow.Move(t, domain.PhaseCounting)
	if err != nil {
		return t, err
	}
	return e.commit(t, next, events.TaskReopened, "", events.EventPayload{"discrepancies": len(t.Discrepancies)}), nil
}

// ResetReconciliation discards the derived discrepancies. While reconciling they are derived
// again at once; annotations of entries that reappear with the same serial and kind are kept.
func (e Engine) ResetReconciliation(ctx context.Context, t domain.InventoryTask) (domain.InventoryTask, error) {
	if err := workflow.Require("reset", t, domain.PhaseCounting, domain.PhaseReconciling); err != nil {
		return t, err
	}
	next := t.Clone()
	next.Discrepancies = []domain.Discrepancy{}
	next.Stale = false
	if t.Phase == domain.PhaseReconciling {
		next.Discrepancies = reconcile.Carry(t.Discrepancies, reconcile.Compute(ctx, t, e.Catalog, e.Ledger))
	}
	return e.commit(t, next, events.TaskReset, "", events.EventPayload{
		"before": len(t.Discrepancies),
		"after":  len(next.Discrepancies),
	}), nil
}

// Annotate sets reasons for the editable discrepancies of one SKU.
func (e Engine) Annotate(ctx context.Context, t domain.InventoryTask, sku string, a annotate.Annotation) (domain.InventoryTask, error) {
	if err := workflow.Require("annotate", t, domain.PhaseReconciling); err != nil {
		return t, err
	}
	discs, err := annotate.Apply(t.Discrepancies, sku, a)
	if err != nil {
		return t, err
	}
	next := t.Clone()
	next.Discrepancies = discs
	return e.commit(t, next, events.DiscrepancyNoted, "", events.EventPayload{
		"sku":             sku,
		"reason":          a.Reason,
		"shortage_reason": a.ShortageReason,
		"overage_reason":  a.OverageReason,
	}), nil
}

// Sign attaches the signature once every discrepancy is confirmed.
func (e Engine) Sign(ctx context.Context, t domain.InventoryTask, signedBy, image string) (domain.InventoryTask, error) {
	if err := workflow.Require("sign", t, domain.PhaseReconciling); err != nil {
		return t, err
	}
	signedBy, image = strings.TrimSpace(signedBy), strings.TrimSpace(image)
	if signedBy == "" || image == "" {
		return t, workflow.Reject("sign", t.Phase, "signer and signature image are required")
	}
	if !annotate.Submittable(t.Discrepancies) {
		return t, workflow.Reject("sign", t.Phase, fmt.Sprintf("unconfirmed discrepancies for sku %s", strings.Join(annotate.Pending(t.Discrepancies), ", ")))
	}
	next, err := workflow.Move(t, domain.PhaseSigned)
	if err != nil {
		return t, err
	}
	next.Signature = &domain.Signature{
		ID:       uuid.NewString(),
		SignedBy: signedBy,
		Image:    image,
		SignedAt: e.now(),
	}
	return e.commit(t, next, events.TaskSigned, "", events.EventPayload{"signed_by": signedBy}), nil
}

// Complete freezes a signed task and archives it. The archive write is synchronous; if it
// fails the task stays signed so the caller can retry. A task that was archived before its
// completed state reached the store is not archived again.
func (e Engine) Complete(ctx context.Context, t domain.InventoryTask) (domain.InventoryTask, error) {
	next, err := workflow.Move(t, domain.PhaseCompleted)
	if err != nil {
		return t, err
	}
	prior, err := e.Repo.HistoryForTask(ctx, t.ID)
	switch {
	case err == nil:
		e.logger().WithFields(logrus.Fields{"module": "engine", "task_id": t.ID, "history_id": prior.ID}).Warn("task already archived")
		done := prior.Task
		done.Version = t.Version + 1
		e.persist(done, events.TaskCompleted, done.ID, "", events.EventPayload{"history_id": prior.ID})
		return done, nil
	case !errors.Is(err, repo.ErrNotFound):
		e.logger().WithFields(logrus.Fields{"module": "engine", "func": "Complete", "task_id": t.ID}).WithError(err).Error("look up archive")
		return t, fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	ts := e.now()
	next.EndedAt = &ts
	next.Version = t.Version + 1
	entry := domain.HistoryEntry{
		ID:         uuid.NewString(),
		TaskID:     next.ID,
		Date:       next.Date,
		ArchivedAt: ts.UTC().Format(time.RFC3339Nano),
		Task:       next,
	}
	if err := e.Repo.InsertHistory(ctx, entry); err != nil {
		e.logger().WithFields(logrus.Fields{"module": "engine", "func": "Complete", "task_id": t.ID}).WithError(err).Error("archive task")
		e.persist(t, events.TaskArchiveFailed, t.ID, "", events.EventPayload{"error": err.Error()})
		return t, fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	e.logger().WithFields(logrus.Fields{"module": "engine", "task_id": t.ID, "history_id": entry.ID}).Info("task completed")
	e.persist(next, events.TaskCompleted, next.ID, "", events.EventPayload{"history_id": entry.ID})
	return next, nil
}

func (e Engine) commit(prev, next domain.InventoryTask, evtType, serial string, payload events.EventPayload) domain.InventoryTask {
	next.Version = prev.Version + 1
	e.persist(next, evtType, next.ID, serial, payload)
	return next
}

// persist hands the snapshot to the mirror, or saves it inline when there is none. Failures
// never reach the caller.
func (e Engine) persist(t domain.InventoryTask, evtType, taskID, serial string, payload events.EventPayload) {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["version"] = t.Version
	log := e.logger().WithFields(logrus.Fields{"module": "engine", "func": "persist", "task_id": taskID})
	w := e.Events
	w.Now = e.now
	evt, err := w.New(evtType, taskID, serial, payload)
	if err != nil {
		log.WithError(err).Error("build event")
	}
	if e.Mirror != nil {
		if err != nil {
			e.Mirror.Persist(t)
			return
		}
		e.Mirror.Persist(t, evt)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Store.Save(ctx, e.key(), t); err != nil {
		log.WithError(err).Error("save task state")
	}
	if err == nil && w.DB != nil {
		if err := w.AppendEvents(ctx, []domain.Event{evt}); err != nil {
			log.WithError(err).Error("append event")
		}
	}
}

// Clear forgets the stored task so the next Open starts fresh.
func (e Engine) Clear(ctx context.Context) error {
	if e.Mirror != nil {
		if err := e.Mirror.Flush(ctx); err != nil {
			return err
		}
	}
	return e.Store.Clear(ctx, e.key())
}

// IsValidation reports whether err is a refused operation rather than a failure.
func IsValidation(err error) bool {
	return errors.Is(err, workflow.ErrInvalid) ||
		errors.Is(err, count.ErrNegativeCount) ||
		errors.Is(err, count.ErrNotQuantity) ||
		errors.Is(err, count.ErrReservedSerial) ||
		errors.Is(err, annotate.ErrNoReason) ||
		errors.Is(err, annotate.ErrRemarksMissing) ||
		errors.Is(err, annotate.ErrInvalid)
}

// IsNotFound reports whether err names something absent.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, count.ErrUnknownSKU) ||
		errors.Is(err, annotate.ErrNoMatch) ||
		errors.Is(err, ErrNoTask)
}
