package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal_server_error" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestRequestLoggerMiddlewareLogsStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	chain := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware("proj")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})))

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected warn level for 409, got %s", entries[0].Level)
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusConflict) {
		t.Fatalf("unexpected status field %v", got)
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logEvent := NewEventLogger(zap.New(core).Named("purchase"))

	logEvent(context.Background(), "purchase.tax.failed", map[string]any{"productId": "prd_1"})
	logEvent(context.Background(), "purchase.reconciliation", nil)
	logEvent(context.Background(), "purchase.completed", nil)

	all := logs.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Level != zap.WarnLevel || all[1].Level != zap.ErrorLevel || all[2].Level != zap.DebugLevel {
		t.Fatalf("unexpected levels %s %s %s", all[0].Level, all[1].Level, all[2].Level)
	}
}
