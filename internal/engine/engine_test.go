package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cyclecount/internal/annotate"
	"cyclecount/internal/catalog"
	"cyclecount/internal/config"
	"cyclecount/internal/db"
	"cyclecount/internal/domain"
	"cyclecount/internal/engine"
	"cyclecount/internal/logging"
	"cyclecount/internal/migrate"
	"cyclecount/internal/store"
	"cyclecount/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var clock = time.Date(2025, 12, 15, 9, 0, 0, 0, time.UTC)

func fixtureCatalog() catalog.Static {
	item := func(sku, serial string, price int64, m domain.CountMethod) domain.CatalogItem {
		return domain.CatalogItem{SKU: sku, Serial: serial, Name: "item " + sku, UnitPrice: decimal.NewFromInt(price), CountMethod: m}
	}
	return catalog.Static{
		Items: []domain.CatalogItem{
			item("A", "a1", 100, domain.CountSerial),
			item("A", "a2", 100, domain.CountSerial),
			item("A", "a3", 100, domain.CountSerial),
			item("B", "b1", 50, domain.CountSerial),
			item("C", "c1", 10, domain.CountQuantity),
			item("C", "c2", 10, domain.CountQuantity),
		},
		Extra: map[string]catalog.Entry{
			"x1": {SKU: "X", Name: "stray", UnitPrice: decimal.NewFromInt(7)},
		},
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Catalog.Ledger = false
	eng := engine.New(conn, cfg, logging.Discard())
	eng.Catalog = fixtureCatalog()
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) counting(t *testing.T) domain.InventoryTask {
	t.Helper()
	task, err := env.Engine.Open(env.Ctx, "2025-12-15")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task, err = env.Engine.Start(env.Ctx, task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return task
}

func TestOpenCreatesTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Open(env.Ctx, "2025-12-15")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if task.ID != "PDD202512150001" {
		t.Fatalf("unexpected id %s", task.ID)
	}
	if task.Phase != domain.PhasePending || task.Status() != domain.StatusPending {
		t.Fatalf("unexpected phase %s", task.Phase)
	}
	if len(task.Items) != 6 || task.Confirmed.Len() != 0 {
		t.Fatalf("unexpected snapshot: %d items, %d confirmed", len(task.Items), task.Confirmed.Len())
	}
	if _, err := env.Engine.Open(env.Ctx, "15/12/2025"); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected invalid date error, got %v", err)
	}
}

func TestScanRequiresStart(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Open(env.Ctx, "2025-12-15")
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := env.Engine.Scan(env.Ctx, task, "a1")
	if !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got.Version != task.Version || got.Confirmed.Len() != 0 {
		t.Fatalf("rejected scan changed the task")
	}
}

func TestScanVersionsAndDuplicates(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	start := task.Version

	task, dup, err := env.Engine.Scan(env.Ctx, task, "a1")
	if err != nil || dup {
		t.Fatalf("first scan: dup=%v err=%v", dup, err)
	}
	task, dup, err = env.Engine.Scan(env.Ctx, task, " a1 ")
	if err != nil || !dup {
		t.Fatalf("second scan: dup=%v err=%v", dup, err)
	}
	if task.Confirmed.Len() != 1 {
		t.Fatalf("expected 1 confirmed, got %d", task.Confirmed.Len())
	}
	if task.Version != start+2 {
		t.Fatalf("expected version %d, got %d", start+2, task.Version)
	}
	if _, _, err := env.Engine.Scan(env.Ctx, task, "  "); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected empty serial rejection, got %v", err)
	}
	same, err := env.Engine.Unscan(env.Ctx, task, "nope")
	if err != nil || same.Version != task.Version {
		t.Fatalf("unscan of absent serial should be a no-op: %v", err)
	}
}

func TestFullCycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	var err error
	for _, s := range []string{"a1", "a2", "b1", "zz9", "x1"} {
		if task, _, err = env.Engine.Scan(env.Ctx, task, s); err != nil {
			t.Fatalf("scan %s: %v", s, err)
		}
	}
	if task, err = env.Engine.SetQuantity(env.Ctx, task, "C", 2); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if task, err = env.Engine.Finalize(env.Ctx, task); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if task.Phase != domain.PhaseReconciling || task.Status() != domain.StatusInProgress {
		t.Fatalf("unexpected phase %s", task.Phase)
	}
	// a3 short, x1 and zz9 over
	if len(task.Discrepancies) != 3 {
		t.Fatalf("expected 3 discrepancies, got %+v", task.Discrepancies)
	}
	if d := task.Discrepancies[1]; d.Serial != "x1" || d.SKU != "X" {
		t.Fatalf("unexpected resolved overage %+v", d)
	}
	if d := task.Discrepancies[2]; d.SKU != domain.UnknownSKU || d.Name != domain.UnlistedName {
		t.Fatalf("unexpected unlisted overage %+v", d)
	}

	if _, err := env.Engine.Sign(env.Ctx, task, "Operator", "data:image/png;base64,AAA"); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected sign rejection, got %v", err)
	}
	for _, sku := range []string{"A", "X"} {
		if task, err = env.Engine.Annotate(env.Ctx, task, sku, annotate.Annotation{Reason: domain.ReasonDamage}); err != nil {
			t.Fatalf("annotate %s: %v", sku, err)
		}
	}
	if _, err := env.Engine.Complete(env.Ctx, task); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected complete rejection before sign, got %v", err)
	}
	if task, err = env.Engine.Annotate(env.Ctx, task, domain.UnknownSKU, annotate.Annotation{Reason: domain.ReasonOther, Remarks: "unknown box"}); err != nil {
		t.Fatalf("annotate unknown: %v", err)
	}
	if task, err = env.Engine.Sign(env.Ctx, task, "Operator", "data:image/png;base64,AAA"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if task.Signature == nil || task.Signature.SignedBy != "Operator" {
		t.Fatalf("missing signature")
	}
	if task, err = env.Engine.Complete(env.Ctx, task); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status() != domain.StatusCompleted || task.EndedAt == nil {
		t.Fatalf("task not completed")
	}
	if _, _, err := env.Engine.Scan(env.Ctx, task, "a3"); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("completed task accepted a scan: %v", err)
	}

	hist, err := env.Engine.Repo.ListHistory(env.Ctx, 10, "")
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v %d", err, len(hist))
	}
	if hist[0].TaskID != task.ID || hist[0].Task.Phase != domain.PhaseCompleted {
		t.Fatalf("unexpected history entry %+v", hist[0])
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, task.ID)
	if err != nil || n == 0 {
		t.Fatalf("expected audit events, got %d (%v)", n, err)
	}
}

func TestFinalizeIsIdempotentAndReopenMarksStale(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	task, _, _ = env.Engine.Scan(env.Ctx, task, "a1")
	task, err := env.Engine.Finalize(env.Ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	first := domain.CloneDiscrepancies(task.Discrepancies)
	if task, err = env.Engine.Annotate(env.Ctx, task, "A", annotate.Annotation{Reason: domain.ReasonCountingError}); err != nil {
		t.Fatal(err)
	}
	if task, err = env.Engine.Reopen(env.Ctx, task); err != nil {
		t.Fatal(err)
	}
	if len(task.Discrepancies) != len(first) {
		t.Fatalf("reopen dropped discrepancies")
	}
	if task, _, err = env.Engine.Scan(env.Ctx, task, "a2"); err != nil {
		t.Fatal(err)
	}
	if !task.Stale {
		t.Fatalf("expected stale discrepancies after a count change")
	}
	if task, err = env.Engine.Finalize(env.Ctx, task); err != nil {
		t.Fatal(err)
	}
	if len(task.Discrepancies) != len(first) || task.Discrepancies[0].Reason != domain.ReasonCountingError {
		t.Fatalf("finalize regenerated discrepancies: %+v", task.Discrepancies)
	}

	task, err = env.Engine.ResetReconciliation(env.Ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if task.Stale {
		t.Fatalf("reset should clear stale flag")
	}
	for _, d := range task.Discrepancies {
		if d.Serial == "a2" {
			t.Fatalf("a2 was counted and should not be short any more")
		}
		if d.Serial == "a3" && d.Reason != domain.ReasonCountingError {
			t.Fatalf("annotation not carried over: %+v", d)
		}
	}
}

func TestSetQuantityErrors(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	if _, err := env.Engine.SetQuantity(env.Ctx, task, "A", 1); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for serial sku, got %v", err)
	}
	if _, err := env.Engine.SetQuantity(env.Ctx, task, "Q", 1); !engine.IsNotFound(err) {
		t.Fatalf("expected not found for unknown sku, got %v", err)
	}
	if _, err := env.Engine.SetQuantity(env.Ctx, task, "C", -2); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for negative count, got %v", err)
	}
}

func TestScanRejectsQuantityUnitSerial(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	if _, _, err := env.Engine.Scan(env.Ctx, task, "C#7"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for reserved serial, got %v", err)
	}
	task, _, err := env.Engine.Scan(env.Ctx, task, "x1")
	if err != nil {
		t.Fatal(err)
	}
	if task, err = env.Engine.SetQuantity(env.Ctx, task, "C", 3); err != nil {
		t.Fatal(err)
	}
	if task, err = env.Engine.SetQuantity(env.Ctx, task, "C", 1); err != nil {
		t.Fatal(err)
	}
	if !task.Confirmed.Has("x1") || task.Confirmed.Has("C#3") {
		t.Fatalf("quantity edit touched the wrong serials: %v", task.Confirmed.Sorted())
	}
}

func TestCleanCountIsSubmittable(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	var err error
	for _, s := range []string{"a1", "a2", "a3", "b1"} {
		task, _, _ = env.Engine.Scan(env.Ctx, task, s)
	}
	task, _ = env.Engine.SetQuantity(env.Ctx, task, "C", 2)
	if task, err = env.Engine.Finalize(env.Ctx, task); err != nil {
		t.Fatal(err)
	}
	if len(task.Discrepancies) != 0 {
		t.Fatalf("expected clean count, got %+v", task.Discrepancies)
	}
	if _, err := env.Engine.Sign(env.Ctx, task, "", "img"); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected signer required, got %v", err)
	}
	if _, err = env.Engine.Sign(env.Ctx, task, "Operator", "img"); err != nil {
		t.Fatalf("sign clean count: %v", err)
	}
}

func TestOpenResumesAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	mirror := store.NewMirror(env.Engine.Store, "current-task", env.Engine.Events, logging.Discard())
	env.Engine.Mirror = mirror
	sess := engine.NewSession(env.Engine)
	if _, err := sess.Open(env.Ctx, "2025-12-15"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Start(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sess.Scan(env.Ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	want, _ := sess.Task()
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatal(err)
	}

	restarted := env.Engine
	restarted.Mirror = nil
	got, err := restarted.Open(env.Ctx, "2025-12-16")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Version != want.Version || !got.Confirmed.Has("a1") {
		t.Fatalf("expected resumed task %s v%d, got %s v%d", want.ID, want.Version, got.ID, got.Version)
	}
}

func TestSessionRequiresOpenTask(t *testing.T) {
	env := newTestEnv(t)
	sess := engine.NewSession(env.Engine)
	if _, err := sess.Start(env.Ctx); !errors.Is(err, engine.ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
	task, err := sess.Current(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task.Date != "2025-12-15" {
		t.Fatalf("expected today's task, got %s", task.Date)
	}
	if _, err := sess.Finalize(env.Ctx); !errors.Is(err, workflow.ErrInvalid) {
		t.Fatalf("expected finalize rejection from pending, got %v", err)
	}
	if cur, _ := sess.Task(); cur.Phase != domain.PhasePending {
		t.Fatalf("rejected op changed the session task")
	}
}

func TestCompleteAfterLostStateArchivesOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	for _, s := range []string{"a1", "a2", "a3", "b1"} {
		task, _, _ = env.Engine.Scan(env.Ctx, task, s)
	}
	task, _ = env.Engine.SetQuantity(env.Ctx, task, "C", 2)
	task, _ = env.Engine.Finalize(env.Ctx, task)
	signed, err := env.Engine.Sign(env.Ctx, task, "Operator", "img")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, signed); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The completed state never reached the store, so the signed task is resumed.
	if err := env.Engine.Store.Save(env.Ctx, "current-task", signed); err != nil {
		t.Fatal(err)
	}
	resumed, err := env.Engine.Open(env.Ctx, "2025-12-15")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Phase != domain.PhaseSigned {
		t.Fatalf("expected signed task to resume, got %s", resumed.Phase)
	}
	done, err := env.Engine.Complete(env.Ctx, resumed)
	if err != nil {
		t.Fatalf("complete again: %v", err)
	}
	if done.Phase != domain.PhaseCompleted || done.EndedAt == nil {
		t.Fatalf("expected completed task, got %s", done.Phase)
	}
	hist, err := env.Engine.Repo.ListHistory(env.Ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("task archived %d times", len(hist))
	}
}

func TestCompleteArchiveFailureKeepsSigned(t *testing.T) {
	env := newTestEnv(t)
	task := env.counting(t)
	for _, s := range []string{"a1", "a2", "a3", "b1"} {
		task, _, _ = env.Engine.Scan(env.Ctx, task, s)
	}
	task, _ = env.Engine.SetQuantity(env.Ctx, task, "C", 2)
	task, _ = env.Engine.Finalize(env.Ctx, task)
	task, err := env.Engine.Sign(env.Ctx, task, "Operator", "img")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.DB.Exec(`DROP TABLE task_history`); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Complete(env.Ctx, task)
	if err == nil {
		t.Fatalf("expected archive error")
	}
	if got.Phase != domain.PhaseSigned || got.Version != task.Version {
		t.Fatalf("failed completion changed the task: %s v%d", got.Phase, got.Version)
	}
}
