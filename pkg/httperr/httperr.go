package httperr

import "errors"

// Stable error codes returned to clients. "Denied" and "malformed" stay
// distinct so a client can present the right message.
const (
	CodeDenied             = "denied"
	CodeAdminRequired      = "admin_required"
	CodeIdentityRequired   = "identity_required"
	CodeFieldNotAllowed    = "field_not_allowed"
	CodeContextMissing     = "context_missing"
	CodeRequiredMissing    = "required_missing"
	CodeDerivationFailed   = "derivation_failed"
	CodeMalformed          = "malformed"
	CodeUnknownTable       = "unknown_table"
	CodeStorageTimeout     = "storage_timeout"
	CodeStorageUnavailable = "storage_unavailable"
)

// DeniedError is an authorization failure: a predicate denied the request, an
// admin capability was missing, or a field was not permitted. Never retried.
type DeniedError struct {
	Code string
	msg  string
}

func (e *DeniedError) Error() string { return e.msg }

func NewDenied(code string, msg string) error { return &DeniedError{Code: code, msg: msg} }

func IsDenied(err error) bool {
	_, ok := errors.AsType[*DeniedError](err)
	return ok
}

// InvalidError is a validation failure: a required field was absent, a
// derivation failed, or the request was malformed. Never retried.
type InvalidError struct {
	Code string
	msg  string
}

func (e *InvalidError) Error() string { return e.msg }

func NewInvalid(code string, msg string) error { return &InvalidError{Code: code, msg: msg} }

func IsInvalid(err error) bool {
	_, ok := errors.AsType[*InvalidError](err)
	return ok
}

// StorageError is a transient backing-store failure. Surfaced to clients as a
// generic retryable failure; the retry itself belongs to the transport layer.
type StorageError struct {
	Timeout bool
	cause   error
}

func (e *StorageError) Error() string {
	if e.Timeout {
		return "storage timeout: " + e.cause.Error()
	}
	return "storage unavailable: " + e.cause.Error()
}

func (e *StorageError) Unwrap() error { return e.cause }

func NewStorage(cause error, timeout bool) error {
	return &StorageError{Timeout: timeout, cause: cause}
}

func IsStorage(err error) bool {
	_, ok := errors.AsType[*StorageError](err)
	return ok
}

// Code extracts the stable code for any error produced by the engine.
func Code(err error) string {
	if d, ok := errors.AsType[*DeniedError](err); ok {
		return d.Code
	}
	if v, ok := errors.AsType[*InvalidError](err); ok {
		return v.Code
	}
	if s, ok := errors.AsType[*StorageError](err); ok {
		if s.Timeout {
			return CodeStorageTimeout
		}
		return CodeStorageUnavailable
	}
	return "internal_error"
}
