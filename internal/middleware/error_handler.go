package middleware

import (
	"errors"

	apiError "collab-relay/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func ErrorHandler(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var apiErr *apiError.APIError
		if !errors.As(err, &apiErr) {
			// raw errors are never shown to the caller
			apiErr = apiError.Internal(err)
		}

		if apiErr.Status >= 500 {
			logger.Error().Err(apiErr.Internal).Str("path", c.FullPath()).Msg(apiErr.Message)
		} else {
			logger.Info().Err(apiErr.Internal).Str("path", c.FullPath()).Msg(apiErr.Message)
		}

		c.AbortWithStatusJSON(apiErr.Status, apiErr)
	}
}
