package providers

import (
	"encoding/json"

	"msggateway/internal/pkg/dotpath"
)

// firstString returns the first non-empty string found at paths, in order.
func firstString(doc interface{}, paths ...string) string {
	for _, p := range paths {
		if v, ok := dotpath.Lookup(doc, p); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func decodeDocument(provider string, raw []byte) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, malformed(provider, "invalid json: %v", err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, malformed(provider, "payload is not an object")
	}
	return doc, nil
}

func instanceFrom(provider string, raw []byte, paths ...string) (string, error) {
	doc, err := decodeDocument(provider, raw)
	if err != nil {
		return "", err
	}
	if id := firstString(doc, paths...); id != "" {
		return id, nil
	}
	return "", malformed(provider, "instance identifier not found")
}
