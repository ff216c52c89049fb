package versync

import "fmt"

type (
	// Filter is a closed predicate tree over row fields. Adapters either
	// evaluate it with Match or compile it for their own engine.
	Filter interface {
		isFilter()
	}

	// Eq matches rows whose field equals Value.
	Eq struct {
		Field string
		Value any
	}

	// Cmp compares a field against Value with Op.
	Cmp struct {
		Field string
		Op    CmpOp
		Value any
	}

	And []Filter
	Or  []Filter

	CmpOp string
)

const (
	OpEq  CmpOp = "="
	OpNe  CmpOp = "!="
	OpLt  CmpOp = "<"
	OpLte CmpOp = "<="
	OpGt  CmpOp = ">"
	OpGte CmpOp = ">="
)

func (Eq) isFilter()  {}
func (Cmp) isFilter() {}
func (And) isFilter() {}
func (Or) isFilter()  {}

// Valid reports whether op is one of the supported comparison operators.
func (op CmpOp) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

// Match evaluates filter against row. A nil filter matches every row.
func Match(filter Filter, row Row) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case Eq:
		return CompareValues(row[f.Field], f.Value) == 0
	case Cmp:
		return compareOp(CompareValues(row[f.Field], f.Value), f.Op)
	case And:
		for _, sub := range f {
			if !Match(sub, row) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range f {
			if Match(sub, row) {
				return true
			}
		}
		return false
	default:
		panic(fmt.Sprintf("versync: unknown filter %T", filter))
	}
}

func compareOp(c int, op CmpOp) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	default:
		return false
	}
}

// AndFilters joins filters, dropping nil members.
func AndFilters(filters ...Filter) Filter {
	out := make(And, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
