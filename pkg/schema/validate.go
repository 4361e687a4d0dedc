package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ErrMissing is returned for required values that are not bound.
var ErrMissing = errors.New("value is required")

// ErrEmpty is returned for empty values of arguments that do not allow them.
var ErrEmpty = errors.New("empty value not allowed")

// IsEmpty reports whether v is an empty string, list or dict.
func IsEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

// Resolve applies defaults, presence rules, coercion and constraints to a
// value. present reports whether the key was bound at all. A nil result
// with a nil error means the argument is legitimately absent.
func (a *Arg) Resolve(v interface{}, present bool) (interface{}, error) {
	if present && v != nil && IsEmpty(v) && !a.Empty {
		if a.HasDefault {
			return a.Default, nil
		}
		if a.Required {
			return nil, ErrEmpty
		}
		return nil, nil
	}
	if !present || v == nil {
		if a.HasDefault {
			return a.Default, nil
		}
		if a.Required {
			return nil, ErrMissing
		}
		return nil, nil
	}

	out := v
	if a.Coerce {
		c, err := Coerce(a.Type, v)
		if err != nil {
			return nil, err
		}
		out = c
	}
	if err := checkType(a.Type, out); err != nil {
		return nil, err
	}
	if err := a.checkConstraints(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Coerce converts v to the given type where a lossless conversion exists.
func Coerce(t Type, v interface{}) (interface{}, error) {
	switch t {
	case TypeAny:
		return v, nil
	case TypeString, TypePassword:
		switch val := v.(type) {
		case string:
			return val, nil
		case bool, int, int64, float64:
			return fmt.Sprint(val), nil
		}
	case TypeInteger:
		switch val := v.(type) {
		case int:
			return val, nil
		case int64:
			return int(val), nil
		case float64:
			if val == float64(int(val)) {
				return int(val), nil
			}
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to integer", val)
			}
			return i, nil
		}
	case TypeFloat:
		f, err := toFloat(v)
		if err == nil {
			return f, nil
		}
		return nil, err
	case TypeBoolean:
		b, err := toBool(v)
		if err == nil {
			return b, nil
		}
		return nil, err
	case TypeList:
		switch val := v.(type) {
		case []interface{}:
			return val, nil
		case []string:
			out := make([]interface{}, len(val))
			for i, s := range val {
				out[i] = s
			}
			return out, nil
		case string:
			trimmed := strings.TrimSpace(val)
			if strings.HasPrefix(trimmed, "[") {
				var parsed []interface{}
				if err := yaml.Unmarshal([]byte(trimmed), &parsed); err == nil {
					return parsed, nil
				}
			}
			return []interface{}{val}, nil
		default:
			return []interface{}{val}, nil
		}
	case TypeDict:
		switch val := v.(type) {
		case map[string]interface{}:
			return val, nil
		case string:
			var parsed map[string]interface{}
			if err := yaml.Unmarshal([]byte(val), &parsed); err != nil || parsed == nil {
				return nil, fmt.Errorf("cannot convert %q to dict", val)
			}
			return parsed, nil
		}
	}
	return v, nil
}

func checkType(t Type, v interface{}) error {
	ok := true
	switch t {
	case TypeAny:
	case TypeString, TypePassword:
		_, ok = v.(string)
	case TypeInteger:
		_, ok = v.(int)
	case TypeFloat:
		switch v.(type) {
		case float64, int:
		default:
			ok = false
		}
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeList:
		_, ok = v.([]interface{})
	case TypeDict:
		_, ok = v.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", t, describeValue(v))
	}
	return nil
}

func (a *Arg) checkConstraints(v interface{}) error {
	v8 := Validator()
	var tags []string
	if a.Min != nil {
		tags = append(tags, "min="+strconv.FormatFloat(*a.Min, 'f', -1, 64))
	}
	if a.Max != nil {
		tags = append(tags, "max="+strconv.FormatFloat(*a.Max, 'f', -1, 64))
	}
	if len(tags) > 0 {
		if err := v8.Var(v, strings.Join(tags, ",")); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return fmt.Errorf("value violates constraint %s=%s", verrs[0].Tag(), verrs[0].Param())
			}
			return err
		}
	}

	if a.Regex != "" {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("regex constraint requires a string value")
		}
		re, err := regexp.Compile(a.Regex)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", a.Regex, err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("value does not match %q", a.Regex)
		}
	}

	if len(a.Allowed) > 0 {
		for _, allowed := range a.Allowed {
			if reflect.DeepEqual(allowed, v) || fmt.Sprint(allowed) == fmt.Sprint(v) {
				return nil
			}
		}
		return fmt.Errorf("value not in allowed set %v", a.Allowed)
	}
	return nil
}

func toBool(v interface{}) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("cannot convert %q to boolean", val)
	}
	return false, fmt.Errorf("cannot convert %s to boolean", describeValue(v))
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to float", val)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %s to float", describeValue(v))
}

// Truthy evaluates v the way skip conditions are evaluated.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		b, err := toBool(val)
		if err != nil {
			return true
		}
		return b
	case int:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func describeValue(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64:
		return "integer"
	case float64:
		return "float"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}
