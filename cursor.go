package versync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// cursorToken is the decoded form of an opaque cursor. O fingerprints the
// ordering the token was minted for; V holds one value per ordering field.
// Values with no JSON scalar form are tagged, see timeTag.
type cursorToken struct {
	O string `json:"o"`
	V []any  `json:"v"`
}

func orderFingerprint(order Order) string {
	return strconv.FormatUint(xxhash.Sum64String(order.String()), 36)
}

// EncodeCursor reads order's fields off row and packs them into a token.
func EncodeCursor(order Order, row Row) (string, error) {
	tok := cursorToken{O: orderFingerprint(order), V: make([]any, len(order))}
	for i, f := range order {
		tok.V[i] = tagValue(row[f.Field])
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor unpacks a token minted by EncodeCursor for the same order.
// path names the request field the token came from.
func DecodeCursor(order Order, token, path string) ([]any, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, InvalidQuery(path, "cursor is not valid base64")
	}

	var tok cursorToken
	if err := decodeJSON(data, &tok); err != nil {
		return nil, InvalidQuery(path, "cursor is malformed")
	}
	if tok.O != orderFingerprint(order) {
		return nil, InvalidQuery(path, "cursor was issued for a different ordering")
	}
	if len(tok.V) < len(order) {
		return nil, InvalidQuery(path, "cursor has %d values, ordering needs %d", len(tok.V), len(order))
	}

	values := make([]any, len(order))
	for i := range order {
		v, err := untagValue(tok.V[i])
		if err != nil {
			return nil, InvalidQuery(path, "cursor value %d: %s", i, err)
		}
		values[i] = v
	}
	return values, nil
}

// timeTag marks a time.Time cursor value, kept as RFC 3339 with nanoseconds
// so that it decodes back to a time.
const timeTag = "t"

func tagValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return map[string]string{timeTag: t.Format(time.RFC3339Nano)}
	}
	return v
}

func untagValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return NormalizeValue(v), nil
	}
	raw, ok := m[timeTag].(string)
	if !ok || len(m) != 1 {
		return v, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("bad time %q", raw)
	}
	return t, nil
}
