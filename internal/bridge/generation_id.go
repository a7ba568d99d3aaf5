package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// GenerationID is an identifier issued by the backend for one generation.
// It is kept in string form; numeric ids round-trip as JSON numbers.
type GenerationID string

func (id *GenerationID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = GenerationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("generation_id must be a string or number: %w", err)
	}
	*id = GenerationID(n.String())
	return nil
}

func (id GenerationID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isCanonicalInt(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id GenerationID) String() string {
	return string(id)
}

func isCanonicalInt(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == s
}

// GenerationIDFrom coerces a decoded JSON value to its stored string form.
// It returns "" for nil and for values that cannot identify a generation.
func GenerationIDFrom(v any) GenerationID {
	switch t := v.(type) {
	case nil:
		return ""
	case GenerationID:
		return t
	case string:
		return GenerationID(t)
	case json.Number:
		return GenerationID(t.String())
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return GenerationID(strconv.FormatInt(int64(t), 10))
		}
		return GenerationID(strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		return GenerationID(strconv.Itoa(t))
	case int64:
		return GenerationID(strconv.FormatInt(t, 10))
	case int32:
		return GenerationID(strconv.FormatInt(int64(t), 10))
	case uint64:
		return GenerationID(strconv.FormatUint(t, 10))
	case bool, map[string]any, []any:
		return ""
	default:
		return GenerationID(fmt.Sprint(t))
	}
}
