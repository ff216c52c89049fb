package versync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type (
	Direction string

	OrderField struct {
		Field     string    `json:"field"`
		Direction Direction `json:"direction,omitempty"`
	}

	Order []OrderField

	// PageRequest selects offset mode (After and Before empty) or cursor
	// mode. After and Before are mutually exclusive.
	PageRequest struct {
		Limit     int    `json:"limit,omitempty"`
		Offset    int    `json:"offset,omitempty"`
		After     string `json:"after,omitempty"`
		Before    string `json:"before,omitempty"`
		WithTotal bool   `json:"withTotal,omitempty"`
	}

	Query struct {
		Resource string
		Filter   Filter
		Order    Order
		Page     PageRequest
		Select   []string
	}

	// PageInfo describes a returned page. HasNext and NextCursor refer to
	// the traversal direction: backward for "before" pages.
	PageInfo struct {
		HasNext     bool   `json:"hasNext"`
		NextCursor  string `json:"nextCursor,omitempty"`
		StartCursor string `json:"startCursor,omitempty"`
		EndCursor   string `json:"endCursor,omitempty"`
		Total       *int   `json:"total,omitempty"`
	}

	Page struct {
		Rows     []Row    `json:"rows"`
		PageInfo PageInfo `json:"pageInfo"`
	}

	// FindOptions is the storage-level read request built by the engine.
	FindOptions struct {
		Filter Filter
		Order  Order
		Skip   int
		Take   int
		Select []string
	}
)

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

func (d Direction) normalize() Direction {
	if strings.EqualFold(string(d), string(Desc)) {
		return Desc
	}
	return Asc
}

func (d Direction) valid() bool {
	return d == "" || strings.EqualFold(string(d), string(Asc)) || strings.EqualFold(string(d), string(Desc))
}

func (d Direction) flip() Direction {
	if d.normalize() == Desc {
		return Asc
	}
	return Desc
}

// Fields lists the ordering's field names.
func (o Order) Fields() []string {
	fields := make([]string, len(o))
	for i, f := range o {
		fields[i] = f.Field
	}
	return fields
}

// Reverse flips every direction.
func (o Order) Reverse() Order {
	out := make(Order, len(o))
	for i, f := range o {
		out[i] = OrderField{Field: f.Field, Direction: f.Direction.flip()}
	}
	return out
}

// Compare orders two rows under o, returning -1, 0 or 1.
func (o Order) Compare(a, b Row) int {
	for _, f := range o {
		c := CompareValues(a[f.Field], b[f.Field])
		if c == 0 {
			continue
		}
		if f.Direction.normalize() == Desc {
			return -c
		}
		return c
	}
	return 0
}

// Sort orders rows in place under o.
func (o Order) Sort(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return o.Compare(rows[i], rows[j]) < 0
	})
}

func (o Order) String() string {
	parts := make([]string, len(o))
	for i, f := range o {
		parts[i] = f.Field + ":" + string(f.Direction.normalize())
	}
	return strings.Join(parts, ",")
}

// ParseWhere converts a JSON filter object into a Filter.
//
//	{"status": "open"}                      equality
//	{"priority": {"gte": 2, "lt": 5}}       comparisons
//	{"$or": [{...}, {...}]}, {"$and": [...]} boolean groups
func ParseWhere(where map[string]any) (Filter, error) {
	if len(where) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filters []Filter
	for _, key := range keys {
		val := where[key]
		switch key {
		case "$and", "$or":
			group, err := parseGroup(key, val)
			if err != nil {
				return nil, err
			}
			filters = append(filters, group)
			continue
		}

		ops, ok := val.(map[string]any)
		if !ok {
			filters = append(filters, Eq{Field: key, Value: NormalizeValue(val)})
			continue
		}
		opKeys := make([]string, 0, len(ops))
		for k := range ops {
			opKeys = append(opKeys, k)
		}
		sort.Strings(opKeys)
		for _, name := range opKeys {
			op, ok := whereOps[name]
			if !ok {
				return nil, InvalidQuery("where."+key, "unknown operator %q", name)
			}
			filters = append(filters, Cmp{Field: key, Op: op, Value: NormalizeValue(ops[name])})
		}
	}
	return AndFilters(filters...), nil
}

var whereOps = map[string]CmpOp{
	"eq":  OpEq,
	"ne":  OpNe,
	"lt":  OpLt,
	"lte": OpLte,
	"gt":  OpGt,
	"gte": OpGte,
}

func parseGroup(key string, val any) (Filter, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, InvalidQuery("where."+key, "expected an array")
	}
	members := make([]Filter, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, InvalidQuery(fmt.Sprintf("where.%s[%d]", key, i), "expected an object")
		}
		f, err := ParseWhere(obj)
		if err != nil {
			return nil, err
		}
		if f != nil {
			members = append(members, f)
		}
	}
	if key == "$or" {
		return Or(members), nil
	}
	return And(members), nil
}

// QueryOp is the wire form of a query operation.
type QueryOp struct {
	Resource string         `json:"resource"`
	Where    map[string]any `json:"where,omitempty"`
	OrderBy  Order          `json:"orderBy,omitempty"`
	Select   []string       `json:"select,omitempty"`
	PageRequest
}

// Query builds the engine query for op.
func (op QueryOp) Query() (Query, error) {
	if op.Resource == "" {
		return Query{}, InvalidQuery("resource", "resource is required")
	}
	filter, err := ParseWhere(op.Where)
	if err != nil {
		return Query{}, err
	}
	return Query{
		Resource: op.Resource,
		Filter:   filter,
		Order:    op.OrderBy,
		Page:     op.PageRequest,
		Select:   op.Select,
	}, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
