package types

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator is the shared validator instance. Errors name fields by their JSON tag.
var Validator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateStruct validates s and returns a *ValidationError on failure.
func ValidateStruct(s any) error {
	return FromValidator(Validator.Struct(s))
}
