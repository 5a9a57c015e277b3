package dap

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/oliy/daphne/messages"
)

// AbortKind names a protocol abort. Each kind maps to a stable problem-type
// URI and an HTTP status.
type AbortKind string

const (
	AbortUnrecognizedTask    AbortKind = "unrecognizedTask"
	AbortUnrecognizedMessage AbortKind = "unrecognizedMessage"
	AbortUnauthorizedRequest AbortKind = "unauthorizedRequest"
	AbortBatchMismatch       AbortKind = "batchMismatch"
	AbortBatchOverlap        AbortKind = "batchOverlap"
	AbortInvalidBatchSize    AbortKind = "invalidBatchSize"
	AbortReportTooLate       AbortKind = "reportTooLate"
	AbortReportRejected      AbortKind = "reportRejected"
	AbortRoundMismatch       AbortKind = "roundMismatch"
	AbortBadRequest          AbortKind = "badRequest"
	AbortInternal            AbortKind = "internalError"
)

// Abort is a per-request protocol failure surfaced to the peer as an RFC 7807
// problem document. It never carries internal detail for AbortInternal.
type Abort struct {
	Kind   AbortKind
	Detail string
	TaskID *messages.TaskID

	// Inner is the underlying cause for internal aborts; it is logged, never
	// sent to the peer.
	Inner error
}

func (a *Abort) Error() string {
	if a.Detail == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Detail)
}

func (a *Abort) Unwrap() error { return a.Inner }

// TypeURI returns the stable problem-type URI for the abort.
func (a *Abort) TypeURI() string {
	return "urn:ietf:params:ppm:dap:error:" + string(a.Kind)
}

// HTTPStatus maps the abort kind to a response status.
func (a *Abort) HTTPStatus() int {
	switch a.Kind {
	case AbortUnauthorizedRequest:
		return http.StatusUnauthorized
	case AbortUnrecognizedTask:
		return http.StatusNotFound
	case AbortInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func abortf(kind AbortKind, taskID *messages.TaskID, format string, args ...any) *Abort {
	return &Abort{Kind: kind, Detail: fmt.Sprintf(format, args...), TaskID: taskID}
}

// AbortUnrecognizedMessagef is the abort for structurally valid requests whose
// content violates the protocol.
func AbortUnrecognizedMessagef(taskID *messages.TaskID, format string, args ...any) *Abort {
	return abortf(AbortUnrecognizedMessage, taskID, format, args...)
}

// InternalAbort wraps a fatal error. The cause is retained for diagnostics
// but not exposed to the peer.
func InternalAbort(err error) *Abort {
	return &Abort{Kind: AbortInternal, Detail: "internal error", Inner: err}
}

// AbortFromCodecError classifies a decode failure as an unrecognizedMessage
// abort.
func AbortFromCodecError(err error, taskID *messages.TaskID) *Abort {
	var ce *messages.CodecError
	if errors.As(err, &ce) {
		return abortf(AbortUnrecognizedMessage, taskID, "malformed message: %s", ce.Code)
	}
	return InternalAbort(err)
}

// AsAbort coerces any error into an abort, defaulting to internal.
func AsAbort(err error) *Abort {
	var a *Abort
	if errors.As(err, &a) {
		return a
	}
	return InternalAbort(err)
}
