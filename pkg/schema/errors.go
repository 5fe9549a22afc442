package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeTransport  = "TRANSPORT_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeStream     = "STREAM_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeCancelled  = "CANCELLED"
)

// WireCodeDraftOutOfSync is the machine-readable code the server puts in a
// conflict body when the submitted hash is stale.
const WireCodeDraftOutOfSync = "draft_out_of_sync"

// DraftError is the structured error type for all draftflow operations.
type DraftError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	WireCode string         `json:"wire_code,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *DraftError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DraftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DraftError.
func NewError(code, message string) *DraftError {
	return &DraftError{Code: code, Message: message}
}

// NewErrorf creates a new DraftError with a formatted message.
func NewErrorf(code, format string, args ...any) *DraftError {
	return &DraftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *DraftError) WithNode(nodeID string) *DraftError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *DraftError) WithCause(err error) *DraftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DraftError) WithDetails(details map[string]any) *DraftError {
	e.Details = details
	return e
}

// WithWireCode attaches the machine-readable code from an error body.
func (e *DraftError) WithWireCode(code string) *DraftError {
	e.WireCode = code
	return e
}

// IsDraftOutOfSync reports whether err is the optimistic-concurrency conflict
// signalled by the server on a stale hash.
func IsDraftOutOfSync(err error) bool {
	var de *DraftError
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == ErrCodeConflict && de.WireCode == WireCodeDraftOutOfSync
}
