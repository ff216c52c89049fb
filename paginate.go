package versync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type pageMode int

const (
	offsetMode pageMode = iota
	afterMode
	beforeMode
)

// pagePlan is a validated query reduced to one storage read.
type pagePlan struct {
	query Query
	order Order // requested ordering plus the id tie-breaker
	mode  pageMode
	limit int
	find  FindOptions
}

// Query returns one page of resource rows.
func (e *Engine) Query(ctx context.Context, q Query) (*Page, error) {
	if q.Resource != "" && !e.allowed(ctx, q.Resource, false) {
		return nil, Forbidden(q.Resource)
	}
	plan, err := e.plan(q)
	if err != nil {
		return nil, err
	}

	var (
		rows  []Row
		total *int
	)
	if plan.mode == offsetMode && q.Page.WithTotal {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			rows, err = e.store.FindMany(gctx, q.Resource, plan.find)
			return err
		})
		g.Go(func() error {
			n, err := e.store.Count(gctx, q.Resource, q.Filter)
			total = &n
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, e.storageError("query", q.Resource, err)
		}
	} else {
		rows, err = e.store.FindMany(ctx, q.Resource, plan.find)
		if err != nil {
			return nil, e.storageError("query", q.Resource, err)
		}
	}
	return plan.page(rows, total)
}

// storageError logs failures that carry no *Error before downgrading them.
func (e *Engine) storageError(op, resource string, err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	e.logf("%s %s: %v", op, resource, err)
	return AsError(err)
}

// plan validates q and derives the storage read for it.
func (e *Engine) plan(q Query) (*pagePlan, error) {
	if q.Resource == "" {
		return nil, InvalidQuery("resource", "resource is required")
	}
	pr := q.Page
	if pr.After != "" && pr.Before != "" {
		return nil, InvalidQuery("before", "after and before are mutually exclusive")
	}
	if pr.Offset < 0 {
		return nil, InvalidQuery("offset", "offset must be >= 0")
	}
	if pr.Offset > 0 && (pr.After != "" || pr.Before != "") {
		return nil, InvalidQuery("offset", "offset cannot be combined with a cursor")
	}
	if pr.Limit < 0 {
		return nil, InvalidQuery("limit", "limit must be >= 0")
	}

	limit := pr.Limit
	if limit == 0 {
		limit = e.options.defaultLimit
	}
	if limit > e.options.maxLimit {
		limit = e.options.maxLimit
	}

	order, err := e.stableOrder(q.Order)
	if err != nil {
		return nil, err
	}
	plan := &pagePlan{query: q, order: order, limit: limit}
	plan.find = FindOptions{
		Filter: q.Filter,
		Order:  order,
		Take:   limit + 1,
		Select: withFields(q.Select, order.Fields()...),
	}

	switch {
	case pr.After != "":
		values, err := DecodeCursor(order, pr.After, "after")
		if err != nil {
			return nil, err
		}
		plan.mode = afterMode
		plan.find.Filter = AndFilters(q.Filter, keysetFilter(order, values))

	case pr.Before != "":
		values, err := DecodeCursor(order, pr.Before, "before")
		if err != nil {
			return nil, err
		}
		reversed := order.Reverse()
		plan.mode = beforeMode
		plan.find.Order = reversed
		plan.find.Filter = AndFilters(q.Filter, keysetFilter(reversed, values))

	default:
		plan.mode = offsetMode
		plan.find.Skip = pr.Offset
		if pr.WithTotal {
			plan.find.Take = limit
		}
	}
	return plan, nil
}

// stableOrder validates order and appends the id field ascending unless the
// ordering already names it.
func (e *Engine) stableOrder(order Order) (Order, error) {
	idField := e.options.idField
	out := make(Order, 0, len(order)+1)
	hasID := false
	for i, f := range order {
		if f.Field == "" {
			return nil, InvalidQuery(fmt.Sprintf("orderBy[%d].field", i), "field is required")
		}
		if !f.Direction.valid() {
			return nil, InvalidQuery(fmt.Sprintf("orderBy[%d].direction", i), "direction must be asc or desc")
		}
		out = append(out, OrderField{Field: f.Field, Direction: f.Direction.normalize()})
		if f.Field == idField {
			hasID = true
		}
	}
	if !hasID {
		out = append(out, OrderField{Field: idField, Direction: Asc})
	}
	return out, nil
}

// keysetFilter selects the rows strictly after values under order:
//
//	(f0 > v0) OR (f0 = v0 AND f1 > v1) OR ...
//
// with < in place of > for descending fields.
func keysetFilter(order Order, values []any) Filter {
	groups := make(Or, 0, len(order))
	for i, f := range order {
		group := make(And, 0, i+1)
		for j := 0; j < i; j++ {
			group = append(group, Eq{Field: order[j].Field, Value: values[j]})
		}
		op := OpGt
		if f.Direction.normalize() == Desc {
			op = OpLt
		}
		group = append(group, Cmp{Field: f.Field, Op: op, Value: values[i]})
		groups = append(groups, group)
	}
	return groups
}

// page trims the fetched rows, computes cursors and strips the fields that
// were only fetched to compute them.
func (p *pagePlan) page(rows []Row, total *int) (*Page, error) {
	info := PageInfo{Total: total}

	if total != nil {
		info.HasNext = p.query.Page.Offset+p.limit < *total
		if len(rows) > p.limit {
			rows = rows[:p.limit]
		}
	} else if len(rows) > p.limit {
		info.HasNext = true
		rows = rows[:p.limit]
	}

	if p.mode == beforeMode {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	if len(rows) > 0 {
		var err error
		if info.StartCursor, err = EncodeCursor(p.order, rows[0]); err != nil {
			return nil, Internal("encode cursor: %v", err)
		}
		if info.EndCursor, err = EncodeCursor(p.order, rows[len(rows)-1]); err != nil {
			return nil, Internal("encode cursor: %v", err)
		}
		if info.HasNext {
			info.NextCursor = info.EndCursor
			if p.mode == beforeMode {
				info.NextCursor = info.StartCursor
			}
		}
	}

	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = row.Project(p.query.Select)
	}
	return &Page{Rows: out, PageInfo: info}, nil
}
