package upgrade

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/flowbase/flowbase/internal/schema"
)

// ArrayDelimiter separates elements of array values stored as text in SQLite.
const ArrayDelimiter = ","

// CoerceRow re-encodes a SQLite row for the destination table. Only columns
// the destination declares are kept, and a column absent from row is left
// out so the destination default applies. CoerceRow never fails: a JSON
// value that does not parse is dropped from the result.
func CoerceRow(row Row, table *schema.Table) Row {
	out := make(Row, len(table.Columns))
	for _, col := range table.Columns {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		switch {
		case col.IsBoolean:
			out[col.Name] = coerceBool(v)
		case col.IsJSON:
			s, isText := asText(v)
			if !isText {
				out[col.Name] = v
				continue
			}
			parsed, err := decodeJSON(s)
			if err != nil {
				continue
			}
			out[col.Name] = parsed
		case col.IsArray:
			if s, isText := asText(v); isText {
				out[col.Name] = splitArray(s)
			} else {
				out[col.Name] = v
			}
		default:
			out[col.Name] = v
		}
	}
	return out
}

// decodeJSON parses a single JSON document. Numbers stay json.Number so
// integers wider than a float64 mantissa survive re-encoding.
func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// coerceBool maps 1, "1" and true to true. Anything else, NULL included, is false.
func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1"
	case []byte:
		return string(b) == "1"
	case int:
		return b == 1
	case int8:
		return b == 1
	case int16:
		return b == 1
	case int32:
		return b == 1
	case int64:
		return b == 1
	case uint:
		return b == 1
	case uint8:
		return b == 1
	case uint16:
		return b == 1
	case uint32:
		return b == 1
	case uint64:
		return b == 1
	case float32:
		return b == 1
	case float64:
		return b == 1
	default:
		return false
	}
}

func splitArray(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ArrayDelimiter)
}

func asText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
