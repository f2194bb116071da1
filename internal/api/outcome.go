package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/model"
)

// statusOf maps an engine error kind to an HTTP status. A transaction abort
// reports the status of the failing entry's own error.
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation, model.KindMalformedQuery:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindVersionConflict:
		return http.StatusPreconditionFailed
	case model.KindConflict:
		return http.StatusConflict
	case model.KindReferenceIntegrity:
		return http.StatusUnprocessableEntity
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindTransactionAborted:
		var e *model.Error
		if errors.As(err, &e) && e.Cause != nil {
			return statusOf(e.Cause)
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// outcome renders an error as an OperationOutcome document.
func outcome(err error) map[string]any {
	issue := map[string]any{
		"severity":    "error",
		"code":        string(model.KindOf(err)),
		"diagnostics": err.Error(),
	}
	var e *model.Error
	if errors.As(err, &e) {
		if e.Field != "" {
			issue["expression"] = []any{e.Field}
		}
		if e.Kind == model.KindTransactionAborted && e.Entry >= 0 {
			issue["extension"] = []any{map[string]any{
				"url":          "entry-index",
				"valueInteger": e.Entry,
			}}
		}
	}
	return map[string]any{
		"resourceType": "OperationOutcome",
		"issue":        []any{issue},
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusOf(err), outcome(err))
}
