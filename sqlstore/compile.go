package sqlstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/airheartdev/versync"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// compiler turns filters and orderings into parameterized SQL over the entities
// table. Values are always bound, never interpolated; field names are
// validated and then inlined as JSON paths.
type compiler struct {
	idField string
	params  []any
}

func newCompiler(idField string) *compiler {
	return &compiler{idField: idField}
}

func (c *compiler) compileFind(resource string, opts versync.FindOptions) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, version, data FROM entities WHERE resource = ?`)
	c.params = append(c.params, resource)

	if opts.Filter != nil {
		where, err := c.compileFilter(opts.Filter)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(where)
	}

	orderBy, err := c.compileOrder(opts.Order)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)

	switch {
	case opts.Take > 0:
		b.WriteString(" LIMIT ?")
		c.params = append(c.params, opts.Take)
	case opts.Skip > 0:
		b.WriteString(" LIMIT -1")
	}
	if opts.Skip > 0 {
		b.WriteString(" OFFSET ?")
		c.params = append(c.params, opts.Skip)
	}
	return b.String(), c.params, nil
}

func (c *compiler) compileCount(resource string, filter versync.Filter) (string, []any, error) {
	query := `SELECT COUNT(*) FROM entities WHERE resource = ?`
	c.params = append(c.params, resource)
	if filter != nil {
		where, err := c.compileFilter(filter)
		if err != nil {
			return "", nil, err
		}
		query += " AND " + where
	}
	return query, c.params, nil
}

// column maps a row field onto its SQL expression.
func (c *compiler) column(field string) (string, error) {
	switch field {
	case c.idField:
		return "id", nil
	case versync.VersionField:
		return "version", nil
	}
	if !fieldName.MatchString(field) {
		return "", versync.InvalidQuery("field", "unsupported field name %q", field)
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

// compileOrder always ends in a deterministic key: the id column, unless
// the ordering already names it.
func (c *compiler) compileOrder(order versync.Order) (string, error) {
	parts := make([]string, 0, len(order)+1)
	hasID := false
	for _, f := range order {
		col, err := c.column(f.Field)
		if err != nil {
			return "", err
		}
		if col == "id" {
			hasID = true
		}
		dir := "ASC"
		if strings.EqualFold(string(f.Direction), string(versync.Desc)) {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", col, dir))
	}
	if !hasID {
		parts = append(parts, "id ASC")
	}
	return strings.Join(parts, ", "), nil
}

func (c *compiler) compileFilter(filter versync.Filter) (string, error) {
	switch f := filter.(type) {
	case versync.Eq:
		return c.compileCmp(f.Field, versync.OpEq, f.Value)
	case versync.Cmp:
		if !f.Op.Valid() {
			return "", versync.InvalidQuery("where."+f.Field, "unsupported operator %q", f.Op)
		}
		return c.compileCmp(f.Field, f.Op, f.Value)
	case versync.And:
		return c.compileGroup([]versync.Filter(f), " AND ", "1 = 1")
	case versync.Or:
		return c.compileGroup([]versync.Filter(f), " OR ", "1 = 0")
	default:
		return "", fmt.Errorf("unsupported filter type: %T", filter)
	}
}

func (c *compiler) compileGroup(members []versync.Filter, sep, empty string) (string, error) {
	if len(members) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(members))
	for _, m := range members {
		sql, err := c.compileFilter(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// compileCmp orders NULL below every value, matching versync.CompareValues.
func (c *compiler) compileCmp(field string, op versync.CmpOp, value any) (string, error) {
	col, err := c.column(field)
	if err != nil {
		return "", err
	}

	if value == nil {
		switch op {
		case versync.OpEq, versync.OpLte:
			return col + " IS NULL", nil
		case versync.OpNe, versync.OpGt:
			return col + " IS NOT NULL", nil
		case versync.OpLt:
			return "1 = 0", nil
		default:
			return "1 = 1", nil
		}
	}

	c.params = append(c.params, bindValue(value))
	switch op {
	case versync.OpNe, versync.OpLt, versync.OpLte:
		return fmt.Sprintf("(%s IS NULL OR %s %s ?)", col, col, op), nil
	default:
		return fmt.Sprintf("%s %s ?", col, op), nil
	}
}
