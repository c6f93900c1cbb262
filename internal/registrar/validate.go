package registrar

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/sublink/internal/model"
)

const (
	msgRequired      = "Subdomain and repository are required"
	msgInvalidFormat = "Invalid subdomain format"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// newValidator はsubdomainルールを登録したバリデーターを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
		return subdomainPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("registrar: failed to register subdomain validation: %v", err))
	}
	return v
}

// validateRequest は登録リクエストを検証する。必須項目の欠落を形式違反より先に報告する。
func validateRequest(v *validator.Validate, req model.RegistrationRequest) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewInternalError(err)
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return model.NewInvalidInputError(msgRequired)
		}
	}
	return model.NewInvalidInputError(msgInvalidFormat)
}
