package handlers

import (
	"errors"
	"net/http"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/gin-gonic/gin"
)

// respondError writes err using its kind's status. Internal failures keep
// their message out of the response body.
func respondError(c *gin.Context, err error, extra gin.H) {
	kind := apperror.KindOf(err)
	status := kind.HTTPStatus()

	body := gin.H{
		"error":      err.Error(),
		"kind":       string(kind),
		"request_id": c.GetString("request_id"),
	}

	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		body["details"] = appErr.Details()
	}

	if status >= http.StatusInternalServerError {
		fields := logger.WithContext(c)
		fields["kind"] = string(kind)
		logger.Error("Request failed", err, fields)
		if kind == apperror.KindInternal {
			body["error"] = "Internal server error"
			delete(body, "details")
		}
	}

	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// bindError reports a malformed request body
func bindError(c *gin.Context, op string, err error) {
	respondError(c, apperror.Wrap(apperror.KindValidation, op, err), nil)
}
