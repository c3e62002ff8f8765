package core

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"channelgate/internal/types"
)

// Validator wraps go-playground/validator with error translation into
// AppError values suitable for client responses.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds a validator that reports struct fields by their JSON
// tag names, matching the names clients actually send.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct checks dst against its validate tags and returns an
// AppError describing the first offending fields, or nil.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	appErr := types.NewAppError(types.ErrCodeValidationInvalidField, "one or more fields are invalid", err)
	appErr.Details = details
	return appErr
}
