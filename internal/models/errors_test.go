package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfSurvivesWrapping(t *testing.T) {
	base := E(CodeForbidden, "only the buyer may confirm delivery")
	wrapped := fmt.Errorf("handling request: %w", base)

	assert.Equal(t, CodeForbidden, CodeOf(base))
	assert.Equal(t, CodeForbidden, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain error")))
}

func TestWrapErrKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapErr(CodeChainError, cause, "dial RPC")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CHAIN_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeBadInput:            http.StatusBadRequest,
		CodeTooEarly:            http.StatusBadRequest,
		CodeForbidden:           http.StatusForbidden,
		CodeUnknownOrder:        http.StatusNotFound,
		CodeTerminal:            http.StatusConflict,
		CodeAlreadyAdvanced:     http.StatusConflict,
		CodeReceiptTimeout:      http.StatusAccepted,
		CodeProviderUnavailable: http.StatusBadGateway,
		CodeOperatorUnderfunded: http.StatusInternalServerError,
		CodeInternal:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
