// Package dotpath resolves dot separated paths such as "data.key.id" or
// "entry.0.changes" inside decoded JSON documents and trigger contexts.
package dotpath

import (
	"strconv"
	"strings"
)

// Lookup walks doc along path. Numeric segments index into lists. An empty
// path never resolves.
func Lookup(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			v, ok := index(len(node), part)
			if !ok {
				return nil, false
			}
			cur = node[v]
		case []string:
			v, ok := index(len(node), part)
			if !ok {
				return nil, false
			}
			cur = node[v]
		default:
			return nil, false
		}
	}
	return cur, true
}

func index(n int, part string) (int, bool) {
	i, err := strconv.Atoi(part)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}
