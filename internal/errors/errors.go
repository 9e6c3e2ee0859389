package errors

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// APIError is what handlers push onto gin's error list. Internal is logged,
// never serialized.
type APIError struct {
	Status   int          `json:"status"`
	Message  string       `json:"message"`
	Fields   []FieldError `json:"fields,omitempty"`
	Internal error        `json:"-"`
}

type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (e *APIError) Error() string {
	if e.Internal != nil {
		return e.Message + ": " + e.Internal.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Internal
}

func New(status int, message string, err error) *APIError {
	return &APIError{Status: status, Message: message, Internal: err}
}

func BadRequest(message string, err error) *APIError {
	return New(http.StatusBadRequest, message, err)
}

func Unauthorized(message string, err error) *APIError {
	return New(http.StatusUnauthorized, message, err)
}

func NotFound(message string, err error) *APIError {
	return New(http.StatusNotFound, message, err)
}

func Internal(err error) *APIError {
	return New(http.StatusInternalServerError, "Internal server error", err)
}

// Validation turns a binding error into a 400, listing the failing fields
// when the validator reported them.
func Validation(err error) *APIError {
	apiErr := BadRequest("Invalid input", err)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			apiErr.Fields = append(apiErr.Fields, FieldError{
				Field: fe.Field(),
				Rule:  fe.Tag(),
			})
		}
	}
	return apiErr
}
