package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cyclecount/internal/app"
	"cyclecount/internal/config"
	"cyclecount/internal/logging"
)

func TestOpenWithFileCatalog(t *testing.T) {
	dir := t.TempDir()
	doc := "items:\n  - {sku: S1, serial: s-1, name: One, unit_price: \"10\"}\n  - {sku: S1, serial: s-2, name: One, unit_price: \"10\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "catalog.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Catalog.Source = config.SourceFile
	ctx := context.Background()

	ws, err := app.Open(ctx, dir, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	task, err := ws.Session.Open(ctx, "2025-12-15")
	if err != nil {
		t.Fatalf("open task: %v", err)
	}
	if len(task.Items) != 2 {
		t.Fatalf("expected 2 items from file catalog, got %d", len(task.Items))
	}
	if err := ws.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	ws, err = app.Open(ctx, dir, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("reopen workspace: %v", err)
	}
	defer ws.Close(ctx)
	again, err := ws.Session.Open(ctx, "2025-12-15")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != task.ID {
		t.Fatalf("expected stored task %s, got %s", task.ID, again.ID)
	}
}

func TestOpenMissingCatalogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Source = config.SourceFile
	cfg.Catalog.File = "missing.yml"
	if _, err := app.Open(context.Background(), t.TempDir(), cfg, logging.Discard()); err == nil {
		t.Fatalf("expected catalog error")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Key = ""
	ws, err := app.Open(context.Background(), t.TempDir(), cfg, logging.Discard())
	if err == nil {
		ws.Close(context.Background())
		t.Fatalf("expected config validation error")
	}
	if !strings.Contains(err.Error(), "store.key") {
		t.Fatalf("unexpected error: %v", err)
	}
}
