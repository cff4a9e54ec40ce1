// Package apierr is the HTTP error boundary translation layer called for in
// spec.md §9 ("Ambient error-to-HTTP mapping... express as a translation
// layer at the HTTP boundary"), grounded verbatim on
// original_source/src/error/error.rs's ApiError enum, status_code() and
// create_error_response().
package apierr

import (
	"encoding/json"
	"net/http"
)

// APIError is locator's single error type at the HTTP boundary.
type APIError struct {
	Domain  string
	Reason  string
	Message string
	Code    int
}

func (e *APIError) Error() string { return e.Message }

func newErr(domain, reason string, code int) *APIError {
	return &APIError{Domain: domain, Reason: reason, Message: messageFor(code), Code: code}
}

// messageFor mirrors error.rs's hardcoded per-code messages.
func messageFor(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusForbidden:
		return "invalid api key"
	case http.StatusTooManyRequests:
		return "the number of requests has been exceeded"
	default:
		return "internal server error"
	}
}

func InvalidRequest(reason string) *APIError {
	return newErr("locator", reason, http.StatusBadRequest)
}

func Unauthorized(reason string) *APIError {
	return newErr("locator", reason, http.StatusUnauthorized)
}

func Forbidden(reason string) *APIError {
	return newErr("locator", reason, http.StatusForbidden)
}

func NotFound(reason string) *APIError {
	return newErr("locator", reason, http.StatusNotFound)
}

// LbsError mirrors the upstream LBS status code verbatim (spec.md §7).
func LbsError(code int) *APIError {
	return newErr("lbs", "lbs_error", code)
}

func LbsRequestError() *APIError {
	return newErr("lbs", "lbs_request_error", http.StatusInternalServerError)
}

func GeospatialStoreUnavailable(reason string) *APIError {
	return newErr("t38", reason, http.StatusInternalServerError)
}

func DatabaseError(reason string) *APIError {
	return newErr("database", reason, http.StatusInternalServerError)
}

func Internal(reason string) *APIError {
	return newErr("locator", reason, http.StatusInternalServerError)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteError writes the {"error":{...}} envelope for err. Any non-*APIError
// is treated as Internal.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = Internal(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Code)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Domain:  apiErr.Domain,
		Reason:  apiErr.Reason,
		Message: apiErr.Message,
		Code:    apiErr.Code,
	}})
}
