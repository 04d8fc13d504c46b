package utils

import (
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// structOf returns the struct behind a pointer DTO, or false for anything else.
func structOf(dto any) (reflect.Value, bool) {
	v := reflect.ValueOf(dto)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return v.Elem(), true
}

// Normalize trims strings and rounds decimals to cents on a pointer-to-struct DTO, following
// non-nil pointer fields. Nil pointers stay nil; fields tagged normalize:"-" are left alone.
func Normalize(dto any) {
	s, ok := structOf(dto)
	if !ok {
		return
	}
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanSet() || t.Field(i).Tag.Get("normalize") == "-" {
			continue
		}
		if f.Kind() == reflect.Ptr {
			if f.IsNil() {
				continue
			}
			f = f.Elem()
		}
		switch {
		case f.Kind() == reflect.String:
			f.SetString(strings.TrimSpace(f.String()))
		case f.Type() == decimalType:
			f.Set(reflect.ValueOf(Round2(f.Interface().(decimal.Decimal))))
		}
	}
}

// PatchColumns maps the non-nil pointer fields of a patch DTO to column updates keyed by the
// json name. Value fields (such as an expected version) are never part of the patch.
func PatchColumns(dto any) map[string]any {
	out := make(map[string]any)
	s, ok := structOf(dto)
	if !ok {
		return out
	}
	t := s.Type()
	for i := 0; i < t.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() != reflect.Ptr || f.IsNil() {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		out[name] = f.Elem().Interface()
	}
	return out
}
