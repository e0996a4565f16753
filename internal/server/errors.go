package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	perrors "github.com/perrydev/perry/internal/common/errors"
)

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch perrors.KindOf(err) {
	case perrors.NotFound:
		return http.StatusNotFound
	case perrors.AlreadyExists, perrors.Conflict:
		return http.StatusConflict
	case perrors.PreconditionFailed:
		return http.StatusPreconditionFailed
	case perrors.InvalidArgument:
		return http.StatusBadRequest
	case perrors.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the uniform error envelope.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": gin.H{
			"code":    string(perrors.KindOf(err)),
			"message": err.Error(),
		},
	})
}
