// Package mcp exposes the book catalog to AI clients over the Model Context
// Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// MCP error codes. The -320xx range is reserved for implementation errors.
const (
	ErrCodeBookNotFound = -32001
	ErrCodeSearchFailed = -32002
	ErrCodeTimeout      = -32003
	ErrCodeBusy         = -32004

	ErrCodeInvalidParams = -32602
	ErrCodeInternalError = -32603
)

// MCPError is an error reported to the client.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError creates an invalid-params error.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// MapError converts internal errors to MCP errors. Structured catalog errors
// keep their message and suggestion.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var te *tzerrors.TamizdatError
	if errors.As(err, &te) {
		return mapTamizdatError(te)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

func mapTamizdatError(te *tzerrors.TamizdatError) *MCPError {
	msg := te.Message
	if te.Suggestion != "" {
		msg = fmt.Sprintf("%s. %s", te.Message, te.Suggestion)
	}

	switch te.Code {
	case tzerrors.ErrCodeBookNotFound:
		return &MCPError{Code: ErrCodeBookNotFound, Message: msg}
	case tzerrors.ErrCodeInvalidPage, tzerrors.ErrCodeInvalidInput, tzerrors.ErrCodeInvalidQuery:
		return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
	case tzerrors.ErrCodeLocked, tzerrors.ErrCodeStorageBusy:
		return &MCPError{Code: ErrCodeBusy, Message: msg}
	case tzerrors.ErrCodeSearchFailed:
		if te.Details["reason"] == "timeout" {
			return &MCPError{Code: ErrCodeTimeout, Message: msg}
		}
		return &MCPError{Code: ErrCodeSearchFailed, Message: msg}
	}
	if te.Category == tzerrors.CategoryValidation {
		return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
	}
	return &MCPError{Code: ErrCodeInternalError, Message: msg}
}
