package validator

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

var (
	once     sync.Once
	validate *CustomValidator
)

// ValidationError carries translated messages keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	text, err := sonic.MarshalString(e.Fields)
	if err != nil {
		return fmt.Sprintf("%v", e.Fields)
	}
	return text
}

type CustomValidator struct {
	uni       *ut.UniversalTranslator
	validator *validator.Validate
}

func New() (*CustomValidator, error) {
	en := en.New()
	uni := ut.New(en, en)
	validate := validator.New(
		validator.WithRequiredStructEnabled(),
	)

	trans, _ := uni.GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, fmt.Errorf("failed to register translations: %w", err)
	}

	// Report form names instead of Go field names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("form"); name != "" && name != "-" {
			return name
		}
		return field.Name
	})

	validate.RegisterCustomTypeFunc(
		ParseNullable,
		null.Bool{},
		null.Float{},
		null.Int{},
		null.Int32{},
		null.String{},
		null.Time{},
		uuid.NullUUID{},
	)

	return &CustomValidator{
		uni:       uni,
		validator: validate,
	}, nil
}

func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.validator.Struct(i)
	if valErr, ok := err.(validator.ValidationErrors); ok {
		trans, _ := cv.uni.GetTranslator("en")
		fields := make(map[string]string, len(valErr))
		for _, fe := range valErr {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return &ValidationError{Fields: fields}
	}

	return err
}

type Nullable interface {
	driver.Valuer
}

// Typed nil so omitnil treats an unset null.* value as nil.
var nilValue *struct{}

// ParseNullable implements validator.CustomTypeFunc
func ParseNullable(field reflect.Value) interface{} {
	if nullValue, ok := field.Interface().(Nullable); ok {
		if val, err := nullValue.Value(); err == nil {
			if val == nil {
				return nilValue
			}
			return val
		}
	}

	return nil
}

// Validate checks i with the shared validator instance.
func Validate(i any) error {
	once.Do(func() {
		var err error
		validate, err = New()
		if err != nil {
			panic(fmt.Sprintf("failed to create validator: %v", err))
		}
	})
	return validate.Validate(i)
}
