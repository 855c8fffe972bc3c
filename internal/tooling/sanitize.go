package tooling

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Args holds sanitized tool arguments keyed by ArgSpec name. Values are
// string, int, bool or []string according to the declared ArgType.
type Args map[string]any

// String returns the string argument name, or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the integer argument name, or 0.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Bool returns the boolean argument name, or false.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns the array argument name, or nil.
func (a Args) Strings(name string) []string {
	s, _ := a[name].([]string)
	return s
}

// argsUnmarshalFunc is the JSON unmarshaler used by Decode. Package-level so
// tests can inject a failing unmarshaler.
var argsUnmarshalFunc = json.Unmarshal

// Decode fills the struct pointed to by v from the arguments via JSON.
func (a Args) Decode(v any) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := argsUnmarshalFunc(data, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

// ArgError reports a required argument that is missing or unusable.
type ArgError struct {
	Tool    string
	Arg     string
	Message string
}

func (e *ArgError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: missing required argument %q", e.Tool, e.Arg)
}

// Sanitize applies def's ArgSpecs to raw. Unknown keys are dropped, values are
// coerced and bounded, defaults fill gaps. A required argument that is absent
// or invalid with no default yields an *ArgError.
func Sanitize(def Definition, raw map[string]any) (Args, error) {
	out := make(Args, len(def.Args))
	for _, spec := range def.Args {
		v, present := raw[spec.Name]
		if present && v != nil {
			if cv, ok := coerce(spec, v); ok {
				out[spec.Name] = cv
				continue
			}
		}
		if spec.Default != nil {
			out[spec.Name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, &ArgError{Tool: def.Name, Arg: spec.Name, Message: spec.RequiredMessage}
		}
	}
	return out, nil
}

var leadingInt = regexp.MustCompile(`^\s*[+-]?\d+`)

func coerce(spec ArgSpec, v any) (any, bool) {
	switch spec.Type {
	case TypeString:
		s := stringify(v)
		limit := spec.MaxLength
		if limit <= 0 {
			limit = MaxStringLength
		}
		if r := []rune(s); len(r) > limit {
			s = string(r[:limit])
		}
		return s, true

	case TypeNumber:
		n, ok := toInt(v)
		if !ok {
			return nil, false
		}
		if spec.Bounded {
			n = min(max(n, spec.Min), spec.Max)
		}
		return n, true

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			return b == "true" || b == "1" || b == "yes", true
		case float64:
			return b != 0, true
		case int:
			return b != 0, true
		default:
			return true, true
		}

	case TypeArray:
		var items []string
		switch a := v.(type) {
		case []any:
			for _, item := range a {
				items = append(items, stringify(item))
			}
		case []string:
			items = append(items, a...)
		case string:
			for _, part := range strings.Split(a, ",") {
				items = append(items, strings.TrimSpace(part))
			}
		default:
			return nil, false
		}
		if len(items) > MaxArrayLength {
			items = items[:MaxArrayLength]
		}
		return items, true
	}
	return nil, false
}

// toInt converts a decoded JSON value to int. Values beyond the int range
// saturate so that bounded arguments clamp to their maximum or minimum.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if int64(int(n)) == n {
			return int(n), true
		}
		return saturate(float64(n))
	case float64:
		return saturate(n)
	case json.Number:
		return toInt(n.String())
	case string:
		m := strings.TrimSpace(leadingInt.FindString(n))
		if m == "" {
			return 0, false
		}
		i, err := strconv.Atoi(m)
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(m, "-") {
				return math.MinInt, true
			}
			return math.MaxInt, true
		}
		return i, err == nil
	}
	return 0, false
}

func saturate(f float64) (int, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	return int(f), true
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
