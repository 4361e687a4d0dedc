// Package schema defines the argument vocabulary shared by frecklet
// arguments, the root argument schema and the context key schema.
package schema

import (
	"fmt"
	"reflect"
)

// Type is the declared type of an argument.
type Type string

const (
	// TypeString is a plain string value.
	TypeString Type = "string"

	// TypeInteger is a whole number.
	TypeInteger Type = "integer"

	// TypeFloat is a floating point number.
	TypeFloat Type = "float"

	// TypeBoolean is a true/false flag.
	TypeBoolean Type = "boolean"

	// TypePassword is a string that is always treated as secret.
	TypePassword Type = "password"

	// TypeList is an ordered sequence of values.
	TypeList Type = "list"

	// TypeDict is a string keyed mapping.
	TypeDict Type = "dict"

	// TypeAny accepts every value. It is only used for auto-generated
	// placeholders of undeclared template keys.
	TypeAny Type = "any"
)

// Validate checks that the type is known.
func (t Type) Validate() error {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypePassword, TypeList, TypeDict, TypeAny:
		return nil
	default:
		return fmt.Errorf("invalid argument type: %s", t)
	}
}

// aliases accepted in frecklet files
var typeAliases = map[string]Type{
	"str":     TypeString,
	"int":     TypeInteger,
	"number":  TypeFloat,
	"bool":    TypeBoolean,
	"secret":  TypePassword,
	"array":   TypeList,
	"map":     TypeDict,
	"mapping": TypeDict,
	"object":  TypeDict,
}

// ParseType resolves a type name, accepting common aliases.
func ParseType(name string) (Type, error) {
	if alias, ok := typeAliases[name]; ok {
		return alias, nil
	}
	t := Type(name)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// InferType derives a type from a default value.
func InferType(v interface{}) Type {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case int, int64, int32, uint, uint64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case []interface{}:
		return TypeList
	case map[string]interface{}:
		return TypeDict
	default:
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
			return TypeList
		}
		return TypeString
	}
}

// Doc holds the help texts of an argument.
type Doc struct {
	ShortHelp string `json:"short_help,omitempty" yaml:"short_help,omitempty"`
	Help      string `json:"help,omitempty" yaml:"help,omitempty"`
}
