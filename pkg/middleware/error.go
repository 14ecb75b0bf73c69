package middleware

import (
	"errors"
	"net/http"

	"largon-licensing/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached to the gin context. Domain errors
// carry their own status; anything else is reported as an opaque 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(err.Err, &base) {
			c.JSON(base.Code.HTTPStatus(), gin.H{
				"success": false,
				"error":   base.Message,
			})
			return
		}

		zap.L().Error("unhandled request error", zap.Error(err.Err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Internal server error",
		})
	}
}
