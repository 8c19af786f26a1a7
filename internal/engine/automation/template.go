package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"msggateway/internal/pkg/dotpath"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{dot.path}} placeholders from ctx. Placeholders whose
// path does not resolve are left as written.
func Render(tmpl string, ctx map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := dotpath.Lookup(ctx, path)
		if !ok || v == nil {
			return m
		}
		return stringify(v)
	})
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool, int, int64:
		return fmt.Sprint(t)
	case map[string]interface{}, []interface{}, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
