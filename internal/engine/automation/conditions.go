package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"msggateway/internal/pkg/dotpath"
	"msggateway/internal/platform/models"
)

// Matches reports whether every condition holds for ctx. Evaluation stops at
// the first failing condition.
func Matches(conds []models.Condition, ctx map[string]interface{}) bool {
	for _, c := range conds {
		if !evaluate(c, ctx) {
			return false
		}
	}
	return true
}

func evaluate(c models.Condition, ctx map[string]interface{}) bool {
	actual, found := dotpath.Lookup(ctx, c.Field)

	switch c.Operator {
	case models.OpIsSet:
		set := found && !isEmpty(actual)
		if want, ok := c.Value.(bool); ok && !want {
			return !set
		}
		return set
	case models.OpEquals:
		return found && equal(actual, c.Value)
	case models.OpContains:
		return found && contains(actual, c.Value)
	case models.OpGreaterThan, models.OpLessThan:
		if !found {
			return false
		}
		a, ok1 := number(actual)
		b, ok2 := number(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		if c.Operator == models.OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

// matchesTriggerConfig treats every trigger_config entry as an equality test
// on the context.
func matchesTriggerConfig(cfg map[string]interface{}, ctx map[string]interface{}) bool {
	for path, want := range cfg {
		got, ok := dotpath.Lookup(ctx, path)
		if !ok || !equal(got, want) {
			return false
		}
	}
	return true
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func equal(a, b interface{}) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(stringify(needle)))
	case []interface{}:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	}
	return false
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		return 0, false
	}
	if v == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(fmt.Sprint(v), 64)
	return f, err == nil
}
