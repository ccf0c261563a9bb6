package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ReadString returns the first non-empty value found under any of keys,
// formatted as a string.
func ReadString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case json.Number:
			s = v.String()
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			s = fmt.Sprint(v)
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// DecodeConfigMap decodes a JSON object; a JSON null yields an empty map.
func DecodeConfigMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
