package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"horse.fit/sieve/internal/failure"
)

type jsendResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, jsendResponse{
		Status: "success",
		Data:   data,
	})
}

func successWithStatus(c echo.Context, code int, data any) error {
	return c.JSON(code, jsendResponse{
		Status: "success",
		Data:   data,
	})
}

func fail(c echo.Context, code int, message string, data any) error {
	resp := jsendResponse{
		Status:  "fail",
		Message: message,
	}
	if data != nil {
		resp.Data = data
	}
	return c.JSON(code, resp)
}

func failValidation(c echo.Context, fieldErrors map[string]string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": fieldErrors,
	})
}

func failNotFound(c echo.Context, message string) error {
	return fail(c, http.StatusNotFound, message, nil)
}

func errorWithStatus(c echo.Context, code int, message string) error {
	return c.JSON(code, jsendResponse{
		Status:  "error",
		Message: message,
		Code:    code,
	})
}

func internalError(c echo.Context, message string) error {
	return errorWithStatus(c, http.StatusInternalServerError, message)
}

// failFromError renders err according to its failure kind. Client-side kinds
// carry the error text; server-side kinds only carry message.
func failFromError(c echo.Context, err error, message string) error {
	switch failure.KindOf(err) {
	case failure.KindInvalid:
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	case failure.KindNotFound:
		return failNotFound(c, message+": not found")
	case failure.KindConflict:
		return fail(c, http.StatusConflict, err.Error(), nil)
	case failure.KindTransient:
		return errorWithStatus(c, http.StatusServiceUnavailable, message)
	case failure.KindPermanent:
		return errorWithStatus(c, http.StatusBadGateway, message)
	default:
		return internalError(c, message)
	}
}
