package crud

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/crudkit/crudkit/httpx"
)

// Defaulter lets a schema fill optional fields before validation. Decoded
// create and update bodies implementing it get Defaults called exactly once,
// after JSON decoding and before validation.
type Defaulter interface {
	Defaults()
}

// pkFieldName is never copied from a schema into a model. The primary key is
// assigned by the store on create and immutable afterwards.
const pkFieldName = "ID"

func fillDefaults(schema any) {
	if d, ok := schema.(Defaulter); ok {
		d.Defaults()
	}
}

// validateStruct runs validator tags and flattens failures into a single
// validation error naming the offending fields.
func validateStruct(v *validator.Validate, schema any) error {
	err := v.Struct(schema)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
}

// copyByName assigns every exported field of src to the same-named,
// assignable field of dst. Pointer source fields are dereferenced and nil
// pointers are skipped, so the same routine serves full creates and partial
// updates. dst must be a non-nil struct pointer.
func copyByName(src any, dst any) {
	sv := reflect.Indirect(reflect.ValueOf(src))
	dv := reflect.Indirect(reflect.ValueOf(dst))
	if sv.Kind() != reflect.Struct || dv.Kind() != reflect.Struct {
		return
	}
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() || field.Name == pkFieldName {
			continue
		}
		value := sv.Field(i)
		if value.Kind() == reflect.Pointer {
			if value.IsNil() {
				continue
			}
			value = value.Elem()
		}
		target := dv.FieldByName(field.Name)
		if !target.IsValid() || !target.CanSet() {
			continue
		}
		if !value.Type().AssignableTo(target.Type()) {
			continue
		}
		target.Set(value)
	}
}
