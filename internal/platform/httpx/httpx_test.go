package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/larderworks/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("invalid_checkout", "bad\ninput", http.StatusBadRequest).WithDetails(map[string]any{"field": "email"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_checkout" || body["message"] != "bad input" || body["trace_id"] != "trace-1" || body["field"] != "email" {
		t.Fatalf("unexpected envelope %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		SessionID string `json:"sessionId"`
	}
	cases := []struct {
		name   string
		body   string
		ctype  string
		limit  int64
		status int
	}{
		{name: "ok", body: `{"sessionId":"cs_1"}`, ctype: "application/json; charset=utf-8"},
		{name: "unknown field", body: `{"sessionId":"cs_1","x":1}`, status: http.StatusBadRequest},
		{name: "trailing object", body: `{"sessionId":"cs_1"}{}`, status: http.StatusBadRequest},
		{name: "empty", body: ``, status: http.StatusBadRequest},
		{name: "too large", body: `{"sessionId":"` + strings.Repeat("a", 100) + `"}`, limit: 32, status: http.StatusRequestEntityTooLarge},
		{name: "wrong media type", body: `sessionId=cs_1`, ctype: "application/x-www-form-urlencoded", status: http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			if tc.ctype != "" {
				req.Header.Set("Content-Type", tc.ctype)
			}
			var dst payload
			apiErr := DecodeJSON(httptest.NewRecorder(), req, tc.limit, &dst)
			if tc.status == 0 {
				if apiErr != nil {
					t.Fatalf("unexpected error %+v", apiErr)
				}
				if dst.SessionID != "cs_1" {
					t.Fatalf("unexpected payload %+v", dst)
				}
				return
			}
			if apiErr == nil || apiErr.Status != tc.status {
				t.Fatalf("expected status %d, got %+v", tc.status, apiErr)
			}
		})
	}
}

func TestReadBodyLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 20)))
	if _, apiErr := ReadBody(httptest.NewRecorder(), req, 10); apiErr == nil || apiErr.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %+v", apiErr)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	body, apiErr := ReadBody(httptest.NewRecorder(), req, 10)
	if apiErr != nil || string(body) != "payload" {
		t.Fatalf("unexpected result %q %+v", body, apiErr)
	}
}
