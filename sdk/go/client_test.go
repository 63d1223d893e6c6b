package cyclecountsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cyclecount/internal/app"
	"cyclecount/internal/logging"
	"cyclecount/internal/server"
	cyclecountsdk "cyclecount/sdk/go"
)

func newClient(t *testing.T) *cyclecountsdk.Client {
	t.Helper()
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), nil, logging.Discard())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := server.New(server.Config{Session: ws.Session})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ws.Close(context.Background())
	})
	return cyclecountsdk.New(srv.URL)
}

func TestClientCountingFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	task, err := c.Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if task.Phase != "PENDING" {
		t.Fatalf("expected PENDING, got %s", task.Phase)
	}
	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := c.Scan(ctx, "86542105100000")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.AlreadyConfirmed || res.Task.Progress.CountedUnits != 1 {
		t.Fatalf("unexpected scan result %+v", res)
	}
	task, err = c.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(task.Discrepancies) == 0 || task.Submittable {
		t.Fatalf("expected open discrepancies, got %+v", task)
	}

	_, err = c.Sign(ctx, "lead", "data:image/png;base64,AAAA")
	var apiErr *cyclecountsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "validation_failed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	events, err := c.Events(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected create, start, scan and finalize events, got %d", len(events))
	}
	data, err := c.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected workbook bytes")
	}
}
