package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"chat-relay/internal/apperr"

	"github.com/go-playground/validator/v10"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names so messages match the payload the client sent.
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return val
}

// Struct validates s and converts the first violation into an invalid
// argument error.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.InvalidArgument("Invalid request")
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.InvalidArgument(fmt.Sprintf("%s is required", fe.Field()))
	case "oneof":
		return apperr.InvalidArgument(fmt.Sprintf("Invalid %s", fe.Field()))
	case "min":
		return apperr.InvalidArgument(fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
	default:
		return apperr.InvalidArgument(fmt.Sprintf("%s is invalid", fe.Field()))
	}
}
