package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBodyLimit bounds JSON request bodies.
const DefaultBodyLimit int64 = 64 << 10

// DecodeJSON strictly decodes a single JSON object into dst. Unknown fields, trailing data and
// bodies larger than limit are rejected with a ready-to-write Error.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) *Error {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		e := NewError("unsupported_media_type", "content type must be application/json", http.StatusUnsupportedMediaType)
		return &e
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			e := NewError("payload_too_large", fmt.Sprintf("request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
			return &e
		}
		if errors.Is(err, io.EOF) {
			e := NewError("invalid_request", "request body is required", http.StatusBadRequest)
			return &e
		}
		e := NewError("invalid_request", "malformed JSON body: "+err.Error(), http.StatusBadRequest)
		return &e
	}
	if decoder.More() {
		e := NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest)
		return &e
	}
	return nil
}

// ReadBody reads the raw body up to limit bytes, used where signatures cover exact bytes.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *Error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			e := NewError("payload_too_large", fmt.Sprintf("request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
			return nil, &e
		}
		e := NewError("invalid_request", "unable to read request body", http.StatusBadRequest)
		return nil, &e
	}
	return body, nil
}
