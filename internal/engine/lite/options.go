package lite

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// options holds a validated method or confidence configuration. Keys not
// present, nil, or starting with INDEF fall back to the default.
type options map[string]any

func newOptions(kind string, cfg map[string]any, allowed []string) (options, error) {
	known := map[string]bool{}
	for _, k := range allowed {
		known[k] = true
	}
	out := options{}
	var unknown []string
	for k, v := range cfg {
		key := strings.ToLower(k)
		if !known[key] {
			unknown = append(unknown, k)
			continue
		}
		if s, ok := v.(string); ok && strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s)), "INDEF") {
			continue
		}
		if v == nil {
			continue
		}
		out[key] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown %s option(s): %s", kind, strings.Join(unknown, ", "))
	}
	for k := range out {
		if _, err := out.float(k, 0); err != nil {
			if _, berr := out.bool(k, false); berr != nil {
				return nil, fmt.Errorf("%s option %s: %w", kind, k, err)
			}
		}
	}
	return out, nil
}

func (o options) float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return def, fmt.Errorf("value %q is not numeric", t)
		}
		return f, nil
	default:
		return def, fmt.Errorf("value of type %T is not numeric", v)
	}
}

func (o options) bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def, fmt.Errorf("value %q is not a boolean", t)
		}
		return b, nil
	default:
		return def, fmt.Errorf("value of type %T is not a boolean", v)
	}
}

// num returns the option as a float, ignoring parse errors already rejected
// by newOptions.
func (o options) num(key string, def float64) float64 {
	f, err := o.float(key, def)
	if err != nil {
		return def
	}
	return f
}

func (o options) flag(key string, def bool) bool {
	b, err := o.bool(key, def)
	if err != nil {
		return def
	}
	return b
}
