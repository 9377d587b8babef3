package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/larderworks/api/internal/platform/requestctx"
)

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core).Named("orders"))

	logEvent(context.Background(), "order.materialized", map[string]any{"orderId": "ord_1", "created": true})
	logEvent(context.Background(), "order.metadata_integrity_alarm", map[string]any{"error": errors.New("bad sum")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].LoggerName != "orders" {
		t.Fatalf("unexpected first entry %+v", entries[0].Entry)
	}
	if got := entries[0].ContextMap()["orderId"]; got != "ord_1" {
		t.Fatalf("expected orderId field, got %v", got)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("alarm should log at warn, got %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "bad sum" {
		t.Fatalf("expected error field, got %v", got)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	logEvent := EventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore).With(zap.String("request_id", "req-1")))
	logEvent(ctx, "checkout.session_created", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected entry on request logger, base=%d req=%d", baseLogs.Len(), reqLogs.Len())
	}
	if reqLogs.All()[0].ContextMap()["request_id"] != "req-1" {
		t.Fatalf("request fields missing")
	}
}

func TestTraceMiddlewareContinuesIncomingTrace(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		trace  string
	}{
		{name: "traceparent", header: "traceparent", value: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", trace: "4bf92f3577b34da6a3ce929d0e0e4736"},
		{name: "cloud trace", header: cloudTraceHeader, value: "105445aa7843bc8bf206b12000100000/1;o=1", trace: "105445aa7843bc8bf206b12000100000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got requestctx.TraceInfo
			handler := TraceMiddleware("larder-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = requestctx.Trace(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.Header.Set(tc.header, tc.value)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got.TraceID != tc.trace || got.ProjectID != "larder-prod" || !got.Sampled {
				t.Fatalf("unexpected trace info %+v", got)
			}
			if rec.Header().Get(cloudTraceHeader) == "" {
				t.Fatalf("expected trace header echoed")
			}
		})
	}
}

func TestParseCloudTraceContextRejectsGarbage(t *testing.T) {
	for _, header := range []string{"", "abc", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/zz"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RequestLoggerMiddleware()(RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	handler = InjectLoggerMiddleware(zap.New(core))(handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/session", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal_server_error" {
		t.Fatalf("unexpected body %v", body)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
	if logs.FilterMessage("request completed").Len() != 1 {
		t.Fatalf("expected completion log at error level")
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	if got := sanitize("/a\nb\x00c", 10); got != "/abc" {
		t.Fatalf("unexpected sanitize result %q", got)
	}
	if got := sanitize("abcdef", 3); got != "abc" {
		t.Fatalf("expected truncation, got %q", got)
	}
}
