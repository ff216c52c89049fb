package versync

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultIDField = "id"
	VersionField   = "version"
)

// Row is an opaque entity record. It always carries an id field and, for
// resources under version control, an integer "version".
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a copy holding only the named fields. An empty field list
// returns the full row.
func (r Row) Project(fields []string) Row {
	if len(fields) == 0 {
		return r.Clone()
	}
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// RowVersion reads the numeric version field of a row.
func RowVersion(row Row) (int64, bool) {
	v, ok := row[VersionField]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// RowID reads the id field of a row as a string.
func RowID(row Row, idField string) (string, bool) {
	switch v := row[idField].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case nil:
		return "", false
	default:
		if n, ok := toInt64(v); ok {
			return strconv.FormatInt(n, 10), true
		}
		return "", false
	}
}

func asRow(v any) (Row, bool) {
	switch m := v.(type) {
	case Row:
		return m, true
	case map[string]any:
		return Row(m), true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// number classifies a numeric value, keeping integers exact.
func number(v any) (i int64, f float64, isInt bool, ok bool) {
	switch n := v.(type) {
	case int, int32, int64, uint64:
		i, ok = toInt64(n)
		return i, float64(i), true, ok
	case float32:
		return 0, float64(n), false, true
	case float64:
		return 0, n, false, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, float64(i), true, true
		}
		f, err := n.Float64()
		return 0, f, false, err == nil
	}
	return 0, 0, false, false
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	case time.Time:
		return 4
	}
	if _, _, _, ok := number(v); ok {
		return 2
	}
	return 5
}

// CompareValues imposes a total order over JSON scalars:
// nil < bool < number < string < time. Numbers compare numerically across
// Go numeric types and json.Number.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}

	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		ai, af, aInt, _ := number(a)
		bi, bf, bInt, _ := number(b)
		if aInt && bInt {
			return cmpInt(ai, bi)
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 4:
		return a.(time.Time).Compare(b.(time.Time))
	}

	// Composite values have no meaningful order; compare their encodings.
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return strings.Compare(string(ab), string(bb))
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NormalizeValue turns decoded JSON numbers into int64 or float64 so that
// adapters can bind them as parameters.
func NormalizeValue(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}
