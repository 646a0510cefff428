package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"account-security/internal/util"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// plaintext rejects markup and template syntax in fields that end up in emails and views
	_ = v.RegisterValidation("plaintext", func(fl validator.FieldLevel) bool {
		return !util.ContainsSuspicious(fl.Field().String())
	})
	return v
}

// invalidInput turns validator failures into ErrInvalidInput naming the first bad field.
func invalidInput(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
