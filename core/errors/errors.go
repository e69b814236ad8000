// Package errors defines the error taxonomy shared by every engine and the
// gateway. Codes are stable API surface; reason codes ride in Details.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies the failure class of an operation.
type Code string

const (
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeNotFound                Code = "NOT_FOUND"
	CodeForbidden               Code = "FORBIDDEN"
	CodeInsufficientScope       Code = "INSUFFICIENT_SCOPE"
	CodeOperationNotPermitted   Code = "OPERATION_NOT_PERMITTED"
	CodeIdempotencyConflict     Code = "IDEMPOTENCY_CONFLICT"
	CodeConflict                Code = "CONFLICT"
	CodeExpired                 Code = "EXPIRED"
	CodeExportChainBroken       Code = "EXPORT_CHAIN_BROKEN"
	CodeExportCheckpointExpired Code = "EXPORT_CHECKPOINT_EXPIRED"
	CodeInternal                Code = "INTERNAL"
)

// Reason codes surfaced through Details["reason_code"].
const (
	ReasonIntentReserved               = "intent_reserved"
	ReasonDepositTimeout               = "deposit_timeout"
	ReasonExecutionError               = "execution_error"
	ReasonPartnerUnauthorized          = "partner_unauthorized"
	ReasonCycleUnwound                 = "cycle_unwound"
	ReasonRollbackActive               = "rollback_active"
	ReasonConsentProofMismatch         = "consent_proof_mismatch"
	ReasonConsentProofSignatureInvalid = "consent_proof_signature_invalid"
	ReasonConsentProofExpired          = "consent_proof_expired"
	ReasonConsentProofReplay           = "consent_proof_replay"
	ReasonConsentProofChallenge        = "consent_proof_challenge_mismatch"
	ReasonSpendCapExceeded             = "policy_spend_cap_exceeded"
	ReasonV2ErrorRateExceeded          = "v2_error_rate_exceeded"
)

// Error is the structured error carried across package boundaries.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns a copy of the error carrying an extra detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	clone := &Error{Code: e.Code, Message: e.Message, Details: map[string]interface{}{}}
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return clone
}

// ReasonCode returns the nested reason code, if any.
func (e *Error) ReasonCode() string {
	if e == nil || e.Details == nil {
		return ""
	}
	if rc, ok := e.Details["reason_code"].(string); ok {
		return rc
	}
	return ""
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newError(CodeValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(CodeForbidden, format, args...)
}

func InsufficientScope(format string, args ...interface{}) *Error {
	return newError(CodeInsufficientScope, format, args...)
}

func OperationNotPermitted(format string, args ...interface{}) *Error {
	return newError(CodeOperationNotPermitted, format, args...)
}

func IdempotencyConflict(format string, args ...interface{}) *Error {
	return newError(CodeIdempotencyConflict, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newError(CodeConflict, format, args...)
}

func Expired(format string, args ...interface{}) *Error {
	return newError(CodeExpired, format, args...)
}

func ExportChainBroken(format string, args ...interface{}) *Error {
	return newError(CodeExportChainBroken, format, args...)
}

func ExportCheckpointExpired(format string, args ...interface{}) *Error {
	return newError(CodeExportCheckpointExpired, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return newError(CodeInternal, format, args...)
}

// WithReason attaches a reason code detail.
func WithReason(err *Error, reason string) *Error {
	return err.WithDetail("reason_code", reason)
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL for
// unclassified failures.
func CodeOf(err error) Code {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternal
}

// As unwraps err into a taxonomy error when possible.
func As(err error) (*Error, bool) {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}
