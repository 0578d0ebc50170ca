package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case tzerrors.ErrCodeBookNotFound:
		return http.StatusNotFound
	case tzerrors.ErrCodeInvalidPage, tzerrors.ErrCodeInvalidInput, tzerrors.ErrCodeInvalidQuery:
		return http.StatusBadRequest
	case tzerrors.ErrCodeLocked, tzerrors.ErrCodeStorageBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as JSON. Structured errors keep their code;
// anything else is an internal error.
func abortWithError(c *gin.Context, err error) {
	resp := ErrorResponse{Status: "error", RequestID: c.GetString(ctxRequestID)}

	var te *tzerrors.TamizdatError
	if !errors.As(err, &te) {
		te = tzerrors.InternalError("internal error", err)
	}
	resp.Error = te.Message
	resp.Code = te.Code
	resp.Suggestion = te.Suggestion

	status := statusFor(resp.Code)
	if tzerrors.IsRetryable(err) {
		c.Header("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		attrs := append([]slog.Attr{
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("request_id", resp.RequestID),
		}, tzerrors.LogAttrs(te)...)
		slog.LogAttrs(c.Request.Context(), slog.LevelError, "api_error", attrs...)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	abortWithError(c, tzerrors.ValidationError(msg, nil))
}
