package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable code returned to API callers.
type ErrorCode string

const (
	// Validation errors, 4xx, no retry.
	CodeBadInput        ErrorCode = "BAD_INPUT"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeTerminal        ErrorCode = "TERMINAL"
	CodeTooEarly        ErrorCode = "TOO_EARLY"
	CodeAlreadyAdvanced ErrorCode = "ALREADY_ADVANCED"
	CodeUnknownOrder    ErrorCode = "UNKNOWN_ORDER"
	CodeNotFound        ErrorCode = "NOT_FOUND"

	// Optimistic-state: tx submitted, confirmation pending.
	CodeReceiptTimeout ErrorCode = "RECEIPT_TIMEOUT"

	// Chain errors, 5xx.
	CodeChainError          ErrorCode = "CHAIN_ERROR"
	CodeNonceConflict       ErrorCode = "NONCE_CONFLICT"
	CodeOperatorUnderfunded ErrorCode = "OPERATOR_UNDERFUNDED"
	CodeDeployFailed        ErrorCode = "DEPLOY_FAILED"

	// Provider errors; the payout record survives in pending_manual.
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"

	// Envelope / wallet errors.
	CodeKeyUnavailable  ErrorCode = "KEY_UNAVAILABLE"
	CodeCorruptEnvelope ErrorCode = "CORRUPT_ENVELOPE"
	CodeNoWallet        ErrorCode = "NO_WALLET"
	CodeSignFailed      ErrorCode = "SIGN_FAILED"

	CodeTimeout  ErrorCode = "TIMEOUT"
	CodeInternal ErrorCode = "INTERNAL"
)

// DomainError carries a stable code alongside the human-readable cause.
type DomainError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }

// E builds a DomainError without an underlying cause.
func E(code ErrorCode, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a code and message to an underlying error.
func WrapErr(code ErrorCode, err error, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, defaulting to INTERNAL.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeBadInput, CodeTooEarly:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnknownOrder, CodeNoWallet, CodeNotFound:
		return http.StatusNotFound
	case CodeTerminal, CodeAlreadyAdvanced:
		return http.StatusConflict
	case CodeReceiptTimeout:
		return http.StatusAccepted
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeProviderUnavailable, CodeProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
