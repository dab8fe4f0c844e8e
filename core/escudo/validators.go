package escudo

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/escudos/core"
)

var (
	sourceTag  = "escudo_source"
	sourceText = "source must be one of SUBSCRIPTION, COURSE_PURCHASE, MANUAL or BONUS"
)

// InitValidators registers the escudo validation tags. core.InitValidators must run first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(sourceTag, sourceValidation)
	core.RegisterCustomTranslation(validate, translator, sourceTag, sourceText)
}

func sourceValidation(fl validator.FieldLevel) bool {
	return Source(fl.Field().String()).IsValid()
}
