package quotagate

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// SetError sets an error response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
// Use HasState() to check if wrapper middleware is active.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a success response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// SetLogField records a field for the request's canonical log line.
// Fields are written when Handler flushes the log; without canonical logging
// they are discarded.
func SetLogField(r *http.Request, key string, value any) {
	SetLogFields(r, map[string]any{key: value})
}

// SetLogFields records several canonical log fields at once.
func SetLogFields(r *http.Request, fields map[string]any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.logFields == nil {
		state.logFields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		state.logFields[k] = v
	}
}

// setHeader writes through the state wrapper when present and directly otherwise.
func setHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

// writeError reports err for the request. With the state wrapper the error is
// recorded for Handler to write; without it the same JSON envelope is written
// immediately. Errors that are not an *APIError become ErrInternal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := asAPIError(err)

	if apiErr.RetryAfter > 0 {
		setHeader(w, r, "Retry-After", strconv.FormatInt(apiErr.RetryAfter, 10))
	}

	if HasState(r.Context()) {
		SetError(r, apiErr)
		return
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(errorResponse{Error: apiErr}); err != nil {
		http.Error(w, apiErr.Message, apiErr.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	w.Write(buf.Bytes())
}

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr
	}
	return ErrInternal
}
