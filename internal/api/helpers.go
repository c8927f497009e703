package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// maxJSONBodyBytes caps request bodies on the JSON API.
const maxJSONBodyBytes = 1 << 20 // 1 MiB

// APIError is the JSON error envelope returned by every endpoint.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries a stable machine-readable code alongside the
// human-readable message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps an HTTP status to a coarse error type.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "internal"
	default:
		return "bad_request"
	}
}

// errorJSON writes the standard error envelope.
func errorJSON(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: APIErrorDetail{
		Code:    code,
		Type:    errorTypeFromStatus(status),
		Message: message,
	}})
}

// internalError logs the underlying error and writes a generic 500 so
// internals never leak to clients.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	LoggerFromContext(r.Context()).Error("internal error",
		"method", r.Method, "path", r.URL.Path, "error", err)
	errorJSON(w, "INTERNAL", "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parsePagination reads limit/offset query params with bounds. Defaults
// to 50, caps at 200.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// limitJSONBody bounds request body size before handlers decode it.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets standard hardening headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
