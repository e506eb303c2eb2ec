package api

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"docqa/internal/util"
)

// APIError is the body of every failed response: {"error": {"code", "message", "fields"}}.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func newAPIError(status int, code, msg string) *APIError {
	return &APIError{Status: status, Code: code, Message: msg}
}

func errBadJSON() *APIError {
	return newAPIError(fiber.StatusBadRequest, "DQ-API-4002", "Malformed JSON request body.")
}

func errInvalidID() *APIError {
	return newAPIError(fiber.StatusBadRequest, "DQ-API-4003", "Invalid document id.")
}

func errFileTooLarge() *APIError {
	return newAPIError(fiber.StatusRequestEntityTooLarge, "DQ-API-4013", "File exceeds the upload size limit.")
}

// toAPIError maps an error to the stable code catalog. 4xx messages stay user safe;
// 5xx messages never echo the raw error.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var valErr *util.ValidationError
	if errors.As(err, &valErr) {
		return &APIError{Status: fiber.StatusBadRequest, Code: "DQ-API-4001", Message: "Invalid request. Check inputs and retry.", Fields: valErr.Fields}
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusNotFound:
			return newAPIError(fe.Code, "DQ-API-4004", "Requested resource was not found.")
		case fiber.StatusMethodNotAllowed:
			return newAPIError(fe.Code, "DQ-API-4005", "This endpoint does not support the requested method.")
		case fiber.StatusRequestEntityTooLarge:
			return errFileTooLarge()
		case fiber.StatusUnprocessableEntity, fiber.StatusBadRequest:
			return newAPIError(fiber.StatusBadRequest, "DQ-API-4000", "Request failed.")
		}
		if fe.Code < 500 {
			return newAPIError(fe.Code, "DQ-API-4000", "Request failed.")
		}
	}

	switch {
	case errors.Is(err, util.ErrUnauthorized):
		return newAPIError(fiber.StatusUnauthorized, "DQ-API-4010", "Missing or invalid API token.")
	case errors.Is(err, util.ErrNotFound):
		return newAPIError(fiber.StatusNotFound, "DQ-API-4004", "Requested resource was not found.")
	case errors.Is(err, util.ErrUnsupportedFileType):
		return newAPIError(fiber.StatusBadRequest, "DQ-API-4015", "File type not allowed.")
	case errors.Is(err, util.ErrUpstream):
		return newAPIError(fiber.StatusBadGateway, "DQ-API-5020", "Upstream provider unavailable. Retry shortly.")
	}

	raw := strings.ToLower(err.Error())
	switch {
	case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
		return newAPIError(fiber.StatusInternalServerError, "DQ-DB-5001", "Database schema is not initialized. Run migrations and retry.")
	case strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"), strings.Contains(raw, "failed to connect"):
		return newAPIError(fiber.StatusServiceUnavailable, "DQ-DB-5002", "A backing service is unavailable. Check local services and retry.")
	case errors.Is(err, util.ErrStorage):
		return newAPIError(fiber.StatusInternalServerError, "DQ-DB-5000", "Storage operation failed. Please retry.")
	}
	return newAPIError(fiber.StatusInternalServerError, "DQ-API-5000", "Internal server error. Please retry or check service logs.")
}

// ErrorHandler renders every handler error through toAPIError.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		apiErr := toAPIError(err)
		if apiErr.Status >= 500 {
			logger.Error("request failed", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
		} else {
			logger.Warn("request rejected", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
		}
		return c.Status(apiErr.Status).JSON(fiber.Map{"error": apiErr})
	}
}
