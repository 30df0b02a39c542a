package response

import (
	"encoding/json"
	"net/http"

	"github.com/lxc/incus/v6/shared/api"
)

// Response represents an API response.
type Response interface {
	Render(w http.ResponseWriter) error
	String() string
	Code() int
}

// Sync response.
type syncResponse struct {
	code     int
	metadata any
}

// EmptySyncResponse represents a successful response without a body.
var EmptySyncResponse = &syncResponse{code: http.StatusNoContent}

// SyncResponse returns a new successful response rendering metadata as its body.
func SyncResponse(metadata any) Response {
	return &syncResponse{code: http.StatusOK, metadata: metadata}
}

// SyncResponseCode returns a new response with the given code and optional body.
func SyncResponseCode(code int, metadata any) Response {
	return &syncResponse{code: code, metadata: metadata}
}

func (r *syncResponse) Render(w http.ResponseWriter) error {
	if r.metadata == nil {
		w.Header().Del("Content-Type")
		w.WriteHeader(r.code)

		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	err := enc.Encode(r.metadata)
	if err != nil {
		return err
	}

	return nil
}

func (r *syncResponse) String() string {
	if r.code < http.StatusBadRequest {
		return "success"
	}

	return "failure"
}

// Code returns the HTTP code.
func (r *syncResponse) Code() int {
	return r.code
}

// Error response.
type errorResponse struct {
	code int    // Code to return in both the HTTP header and Code field of the response body.
	msg  string // Message to return in the Error field of the response body.
}

// ErrorResponse returns an error response with the given code and msg.
func ErrorResponse(code int, msg string) Response {
	return &errorResponse{code, msg}
}

// BadRequest returns a bad request response (400) with the given error.
func BadRequest(err error) Response {
	return &errorResponse{http.StatusBadRequest, err.Error()}
}

// InternalError returns an internal error response (500) with the given error.
func InternalError(err error) Response {
	return &errorResponse{http.StatusInternalServerError, err.Error()}
}

// NotFound returns a not found response (404) with the given error.
func NotFound(err error) Response {
	message := "not found"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusNotFound, message}
}

// NotImplemented returns a not implemented response (501) with the given error.
func NotImplemented(err error) Response {
	message := "not implemented"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusNotImplemented, message}
}

// Unavailable return an unavailable response (503) with the given error.
func Unavailable(err error) Response {
	message := "unavailable"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusServiceUnavailable, message}
}

func (r *errorResponse) String() string {
	return r.msg
}

// Code returns the HTTP code.
func (r *errorResponse) Code() int {
	return r.code
}

func (r *errorResponse) Render(w http.ResponseWriter) error {
	resp := api.ResponseRaw{
		Type:  api.ErrorResponse,
		Error: r.msg,
		Code:  r.code, // Set the error code in the Code field of the response body.
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if w.Header().Get("Connection") != "keep-alive" {
		w.WriteHeader(r.code) // Set the error code in the HTTP header response.
	}

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		return err
	}

	return nil
}
