// Package api defines the wire contract between the coordinator and its
// clients (node agents and the CLI): the error code vocabulary, the JSON
// request/response shapes, and an HTTP client with retry semantics safe
// for the idempotent-by-id mutators.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the operation outcome vocabulary shared by every endpoint. The
// code in the response body is authoritative; the HTTP status is a
// transport-level projection of it.
type Code string

const (
	CodeOK          Code = "OK"
	CodeInvalid     Code = "INVALID"
	CodeConflict    Code = "CONFLICT"
	CodeUnauth      Code = "UNAUTH"
	CodeForbidden   Code = "FORBIDDEN"
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnsupported Code = "UNSUPPORTED"
	CodeNoSlot      Code = "NO_SLOT"
	CodeUnavailable Code = "UNAVAILABLE"
)

// HTTPStatus maps a code onto the status line of the response.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnauth:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeNoSlot:
		return http.StatusConflict
	case CodeUnsupported:
		return http.StatusUnprocessableEntity
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Error is the non-OK outcome of a call, decoded from the response body.
type Error struct {
	Code     Code          `json:"code"`
	Message  string        `json:"message,omitempty"`
	Conflict *ConflictInfo `json:"conflict,omitempty"`
}

// ConflictInfo names the already-admitted job and the firing instant
// where the candidate's occupancy first overlaps it.
type ConflictInfo struct {
	JobID   string `json:"job_id"`
	Instant string `json:"instant"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// CodeOf extracts the wire code carried by err, or UNAVAILABLE for
// transport-level failures that never produced a response.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnavailable
}
