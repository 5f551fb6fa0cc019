package utils

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so clients can map errors back to their payload
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateInput runs struct-tag validation and returns failing fields keyed by namespace
// (e.g. "items[0].item_id" -> "required"). Returns nil when the input is valid.
func ValidateInput(input any) map[string]string {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"input": err.Error()}
	}
	return ProcessValidationErrors(validationErrors)
}

func ProcessValidationErrors(validationErrors validator.ValidationErrors) map[string]string {
	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		field := ve.Namespace()
		// drop the root struct name
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		errorResponse[field] = ve.Tag()
	}
	return errorResponse
}
