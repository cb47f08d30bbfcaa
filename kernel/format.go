package kernel

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Module is the placeholder bound to an imported name by the expr kernel.
type Module struct {
	Name string
}

func (m Module) String() string {
	return fmt.Sprintf("<module '%s'>", m.Name)
}

// str renders v the way Python's str() would for the supported value kinds.
func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return repr(v)
}

// repr renders v the way Python's repr() would for the supported value kinds.
func repr(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return quote(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = repr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = quote(k) + ": " + repr(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\t", `\t`)
	return "'" + r.Replace(s) + "'"
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// records reports whether v is a list of row maps, the shape displayed as a table.
func records(v interface{}) ([]interface{}, bool) {
	rows, ok := v.([]interface{})
	if !ok || len(rows) == 0 {
		return nil, false
	}
	for _, r := range rows {
		if _, ok := r.(map[string]interface{}); !ok {
			return nil, false
		}
	}
	return rows, true
}

func tableJSON(rows []interface{}) (string, error) {
	b, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
