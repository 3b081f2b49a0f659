package eventlog

import (
	"encoding/json"
	"strings"
)

// Redact walks a JSON value recursively and replaces the value of any object
// key whose lowercase form is in keysLower with the literal "***". Arrays
// are recursed into; scalars are left alone. Idempotent: Redact(Redact(v))
// == Redact(v), since a replaced value is always the literal string "***"
// which never matches a redaction key's lowercase form as a key again (keys,
// not values, are matched).
func Redact(raw string, keysLower []string) string {
	if raw == "" {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	redactValue(v, keysLower)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(out)
}

func redactValue(v interface{}, keysLower []string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if isRedactedKey(k, keysLower) {
				val[k] = "***"
				continue
			}
			redactValue(child, keysLower)
		}
	case []interface{}:
		for _, item := range val {
			redactValue(item, keysLower)
		}
	}
}

func isRedactedKey(key string, keysLower []string) bool {
	lower := strings.ToLower(key)
	for _, k := range keysLower {
		if lower == k {
			return true
		}
	}
	return false
}
