package endpoints

import (
	"errors"
	"net/http"

	"storyreel/internal/ledger"
	"storyreel/internal/render"

	"github.com/gin-gonic/gin"
)

// Error codes surfaced to clients.
const (
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeAppCheckInvalid = "APP_CHECK_INVALID"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Required  int    `json:"required,omitempty"`
	Available int    `json:"available,omitempty"`
}

// writeError maps a render failure to its HTTP status and envelope.
// Credit shortfalls carry the required/available amounts.
func writeError(c *gin.Context, err error) {
	var failure *render.Failure
	if !errors.As(err, &failure) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: err.Error()})
		return
	}

	resp := ErrorResponse{Code: failure.Code, Error: failure.Err.Error()}
	status := http.StatusInternalServerError
	switch failure.Code {
	case render.CodeInvalidArgument:
		status = http.StatusBadRequest
	case render.CodeInsufficientCredits:
		status = http.StatusBadRequest
		var ice *ledger.InsufficientCreditsError
		if errors.As(failure.Err, &ice) {
			resp.Required = ice.Required
			resp.Available = ice.Available
		}
	}
	c.JSON(status, resp)
}
