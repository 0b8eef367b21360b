package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/model"
	"github.com/samcharles93/multilora/internal/peft"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeModelError maps model and adapter errors to a status and an error
// code.
func writeModelError(c *echo.Context, err error) error {
	code := ""
	switch {
	case errors.Is(err, lora.ErrInvalidBatch):
		code = "invalid_batch"
	case errors.Is(err, lora.ErrShapeMismatch):
		code = "shape_mismatch"
	case errors.Is(err, lora.ErrInvalidConfig):
		code = "invalid_adapter_config"
	case errors.Is(err, model.ErrMissingPairedFactor):
		code = "missing_paired_factor"
	case errors.Is(err, model.ErrConfigMismatch):
		code = "config_mismatch"
	case errors.Is(err, peft.ErrInvalidAdapter):
		code = "invalid_adapter"
	case errors.Is(err, fs.ErrNotExist):
		code = "adapter_path_not_found"
	case errors.Is(err, ErrInvalidRequest):
	case errors.Is(err, model.ErrUnknownAdapter):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "unknown_adapter")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), code)
}
