package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/result"
)

// v is the package-level singleton validator. Custom rules are registered in
// init() before the first call to Struct.
var v = validator.New(validator.WithRequiredStructEnabled())

func init() {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("email_addr", func(fl validator.FieldLevel) bool {
		return model.ValidEmail(fl.Field().String())
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Struct validates s by its validate tags. It returns nil or a Validation
// failure with one message per offending field.
func Struct(s any) *result.Failure {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return result.Validation(err.Error(), nil)
	}

	fields := make(map[string][]string, len(ve))
	var msgs []string
	for _, fe := range ve {
		msg := message(fe)
		fields[fe.Field()] = append(fields[fe.Field()], msg)
		msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), msg))
	}
	return result.Validation(strings.Join(msgs, "; "), fields)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "email_addr":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}
