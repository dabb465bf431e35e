package utils

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// NormalizeBatchCode maps the "empty string vs NULL vs literal 'None'" legacy
// inputs to a proper nullable batch. Returns nil for anything that does not
// name a real batch.
func NormalizeBatchCode(code *string) *string {
	if code == nil {
		return nil
	}
	v := strings.TrimSpace(*code)
	if v == "" || strings.EqualFold(v, "none") || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}
