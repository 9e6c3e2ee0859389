package middleware

import (
	"crypto/subtle"
	"reflect"
	"strings"

	"collab-relay/auth"
	"collab-relay/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// AdminAuth admits only requests whose bearer token equals secret exactly.
// Rejection aborts the chain before any handler runs.
func AdminAuth(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(ctx *gin.Context) {
		token := auth.BearerToken(ctx.GetHeader("Authorization"))
		if token == "" {
			ctx.Error(errors.Unauthorized("Authorization is not found!", nil))
			ctx.Abort()
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			ctx.Error(errors.Unauthorized("Unauthorized", nil))
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// UseJSONFieldNames makes validation errors report json field names.
func UseJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
}
