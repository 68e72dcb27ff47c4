package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// decodeArgs strictly decodes raw into v. Empty input leaves v untouched.
func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Identifier accepts a Canvas id given either as a JSON string or number.
type Identifier string

func (id *Identifier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = Identifier(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number")
	}
	*id = Identifier(n.String())
	return nil
}

func (id Identifier) String() string { return string(id) }

func requireNumeric(name string, id Identifier) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	if !isNumeric(string(id)) {
		return fmt.Errorf("%w: %s must be a numeric id", ErrInvalidArgs, name)
	}
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func records(data any) []map[string]any {
	list, _ := data.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(m map[string]any, key, fallback string) string {
	switch v := m[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fallback
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func formatDate(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "N/A"
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// plainText strips markup from Canvas HTML fields.
func plainText(s string) string {
	s = htmlTag.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
