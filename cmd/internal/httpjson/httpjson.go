// Package httpjson holds the JSON response envelope and request decoding
// shared by every HTTP handler.
package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultMaxBodyBytes caps request bodies when a handler has no own limit.
const DefaultMaxBodyBytes int64 = 1 << 20

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps APIError as {"error":{...}}.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ErrEmptyBody is returned by Decode for a missing body.
var ErrEmptyBody = errors.New("empty body")

// Write encodes v with status. Responses are never cached.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, msg string) {
	Write(w, status, ErrorResponse{Error: APIError{Code: code, Message: msg}})
}

// RateLimited writes a 429 with Retry-After in whole seconds.
func RateLimited(w http.ResponseWriter, retryAfter time.Duration, code, msg string) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	Error(w, http.StatusTooManyRequests, code, msg)
}

// MethodNotAllowed writes 405 with an Allow header.
func MethodNotAllowed(w http.ResponseWriter, allow ...string) {
	for _, m := range allow {
		w.Header().Add("Allow", m)
	}
	Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// Decode reads exactly one JSON object into dst, rejecting unknown fields,
// bodies over maxBytes, and trailing data.
func Decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
