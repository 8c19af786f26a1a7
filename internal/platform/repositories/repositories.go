package repositories

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("record already exists")

func newID(prefix string) string {
	return prefix + uuid.New().String()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func emptyToNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
