package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/streamwizard/streamwizard-backend/internal/platform/correlation"
	apperrors "github.com/streamwizard/streamwizard-backend/internal/platform/errors"
)

// correlationMiddleware tags every request with a fresh correlation ID. The
// webhook handler replaces it with the EventSub message id.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware renders structured errors returned by handlers.
// echo.HTTPErrors pass through to the server's HTTPErrorHandler.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			if _, ok := errors.AsType[*echo.HTTPError](err); ok {
				return err
			}

			structured := apperrors.AsStructuredError(err)
			return writeError(c, structured.HTTPStatus(), structured)
		}
	}
}

// handleHTTPError renders router errors such as 404 and 405 in the same JSON
// shape as handler errors.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	structured := apperrors.AsStructuredError(err)
	status := structured.HTTPStatus()
	if httpErr, ok := errors.AsType[*echo.HTTPError](err); ok {
		structured = WrapHTTPError(httpErr)
		status = httpErr.Code
	}

	if werr := writeError(c, status, structured); werr != nil {
		slog.ErrorContext(c.Request().Context(), "Failed to write error response", "error", werr)
	}
}

func writeError(c echo.Context, status int, err *apperrors.Error) error {
	logError(c, status, err)
	if werr := c.JSON(status, err.ToResponse()); werr != nil {
		return fmt.Errorf("failed to write error response: %w", werr)
	}
	return nil
}

func logError(c echo.Context, status int, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", status,
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeForbidden:
		slog.WarnContext(ctx, "Request forbidden", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// WrapHTTPError maps an echo.HTTPError onto the structured error taxonomy.
// The caller keeps the original status code.
func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok && msg != "" {
		message = msg
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound:
		errType = apperrors.TypeNotFound
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		errType = apperrors.TypeExternal
	default:
		errType = apperrors.TypeInternal
	}

	return &apperrors.Error{Type: errType, Message: message, Cause: httpErr.Internal}
}
