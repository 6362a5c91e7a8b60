// Package httpx provides the HTTP views over the orchestration core, the
// notification service, and the shared key-value store.
package httpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/overseer-io/overseer/internal/errors"
)

// DecodeJSON decodes JSON from the request body into the destination and handles errors.
// Returns true if successful, false if there was an error (error response already written).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}

	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Response writer errors (e.g., client disconnect) can't be recovered from here.
		return
	}
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a plain-text error response using ErrorParams.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	http.Error(w, fmt.Sprintf("%s: %s", p.ErrCode, p.Err.Error()), p.Code)
}

// WriteAppError maps an application error to an HTTP response using its code.
func WriteAppError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	WriteError(w, ErrorParams{Code: statusFor(code), ErrCode: string(code), Err: err})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rejectUnknownQuery writes a 400 and returns false when the request carries
// query parameters outside the allowed set.
func rejectUnknownQuery(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}
	for name := range r.URL.Query() {
		if !permitted[name] {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "unknown_query",
				Err:     apperrors.Validationf("unknown query parameter %q", name),
			})
			return false
		}
	}
	return true
}
