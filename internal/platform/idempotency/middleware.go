package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/platform/requestctx"
)

const (
	// HeaderName is the request header carrying the client key.
	HeaderName = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "Idempotent-Replayed"

	maxKeyLength = 255
)

type settings struct {
	ttl   time.Duration
	clock func() time.Time
	limit int64
}

// Option customises the middleware.
type Option func(*settings)

// WithTTL overrides how long keys are kept.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBodyLimit caps the request body read to compute the fingerprint.
func WithBodyLimit(limit int64) Option {
	return func(s *settings) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// Middleware guards a handler with the Idempotency-Key header. Requests without the header pass
// straight through. Responses with status below 500 are stored and replayed for retries carrying
// the same key and body; 5xx responses release the key so the client can try again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := settings{ttl: DefaultTTL, clock: time.Now, limit: httpx.DefaultBodyLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(HeaderName))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key exceeds 255 characters", http.StatusBadRequest))
				return
			}

			body, readErr := httpx.ReadBody(w, r, cfg.limit)
			if readErr != nil {
				httpx.WriteError(ctx, w, *readErr)
				return
			}
			r.Body = readCloser{bytes.NewReader(body)}

			requester := "guest"
			if customer, ok := auth.CustomerFromContext(ctx); ok {
				requester = "customer:" + customer.UID
			}
			id := recordID(key, requester)
			fingerprint := digest(r.Method, r.URL.Path, requester, string(body))
			logger := requestctx.Logger(ctx).With(zap.String("idempotencyKey", key))

			reservation, err := store.Reserve(ctx, id, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key was used with a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to verify idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case StateReplay:
				replay(w, reservation.Response)
				return
			case StateInFlight:
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still running", http.StatusConflict))
				return
			}

			rec := newRecorder()
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, id); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
				if err := store.Complete(ctx, id, fingerprint, resp, cfg.clock(), cfg.ttl); err != nil {
					logger.Warn("idempotency save failed", zap.Error(err))
					if err := store.Release(ctx, id); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}
			rec.flush(w)
		})
	}
}

func replay(w http.ResponseWriter, resp Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

// recorder buffers the handler's response so it can be stored before reaching the client.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) flush(w http.ResponseWriter) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	for k, values := range r.header {
		w.Header()[k] = values
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}
