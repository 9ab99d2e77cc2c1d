package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a configuration against its struct tags.
func Validate(c *Config) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return kberr.Wrap(err, kberr.CodeConfigValidateInvalid, "invalid configuration")
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return kberr.New(kberr.CodeConfigValidateInvalid, "invalid configuration: "+strings.Join(msgs, "; "),
		kberr.Field("fields", len(fieldErrs)))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "ltfield":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}
