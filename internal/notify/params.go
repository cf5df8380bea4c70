package notify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/mediate/internal/sanitize"
)

// SafeParams derives params_safe from raw params: every string leaf, at any
// depth, is replaced by its web-sanitized form. Keys, numbers and structure
// are kept.
func SafeParams(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return encode(sanitizeValue(v))
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return sanitize.Web(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
