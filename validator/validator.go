package validator

import (
	"fmt"
	"reflect"
	"strings"
)

// Validator validates a single value.
type Validator interface {
	Validate(data interface{}) error
}

// RequiredValidator checks that the named string fields of a struct are set.
type RequiredValidator struct {
	Fields []string
}

// Validate returns an error naming the first empty field.
func (rv *RequiredValidator) Validate(data interface{}) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("value is nil")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("value must be a struct, got %s", v.Kind())
	}

	for _, name := range rv.Fields {
		field := v.FieldByName(name)
		if !field.IsValid() {
			return fmt.Errorf("field %s does not exist", name)
		}
		if field.Kind() != reflect.String {
			return fmt.Errorf("field %s is not a string", name)
		}
		if strings.TrimSpace(field.String()) == "" {
			return fmt.Errorf("field %s is required", name)
		}
	}
	return nil
}

// PathValidator checks dot-delimited signal paths such as
// "Vehicle.CurrentLocation.Latitude". A trailing "*" segment is accepted
// when AllowWildcard is set.
type PathValidator struct {
	// Root, when set, must be the first segment.
	Root          string
	AllowWildcard bool
}

// Validate accepts a string path.
func (pv *PathValidator) Validate(data interface{}) error {
	path, ok := data.(string)
	if !ok {
		return fmt.Errorf("path must be a string, got %T", data)
	}
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.Contains(path, "/") {
		return fmt.Errorf("path %q contains '/'", path)
	}

	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
		if seg == "*" && !(pv.AllowWildcard && i == len(segments)-1 && i > 0) {
			return fmt.Errorf("path %q has a misplaced wildcard", path)
		}
	}
	if pv.Root != "" && segments[0] != pv.Root {
		return fmt.Errorf("path %q is not rooted at %s", path, pv.Root)
	}
	return nil
}
