package versync

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type (
	// Operation is one entry of a batch: exactly one of Query and Write.
	Operation struct {
		Query *QueryOp  `json:"query,omitempty"`
		Write *PushItem `json:"write,omitempty"`
	}

	OperationResult struct {
		Page  *Page           `json:"page,omitempty"`
		Write json.RawMessage `json:"write,omitempty"`
		Error *Error          `json:"error,omitempty"`
	}

	BatchRequest struct {
		Operations []Operation `json:"operations"`
	}

	BatchResponse struct {
		Results []OperationResult `json:"results"`
	}
)

// Batch runs operations and reports one result per operation, in order.
// Queries run concurrently, through a single FindBatch when the store
// supports it; writes run with bounded concurrency. No operation's failure
// affects another.
func (e *Engine) Batch(ctx context.Context, ops []Operation) []OperationResult {
	results := make([]OperationResult, len(ops))

	var (
		queries []int
		plans   []*pagePlan
		writes  []int
	)
	for i, op := range ops {
		switch {
		case op.Query != nil && op.Write == nil:
			q, err := op.Query.Query()
			if err == nil && !e.allowed(ctx, q.Resource, false) {
				err = Forbidden(q.Resource)
			}
			var plan *pagePlan
			if err == nil {
				plan, err = e.plan(q)
			}
			if err != nil {
				results[i].Error = AsError(err)
				continue
			}
			queries = append(queries, i)
			plans = append(plans, plan)
		case op.Write != nil && op.Query == nil:
			writes = append(writes, i)
		default:
			results[i].Error = InvalidQuery(fmt.Sprintf("operations[%d]", i), "operation needs exactly one of query or write")
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		e.runQueries(ctx, plans, queries, results)
		return nil
	})
	g.Go(func() error {
		e.runWrites(ctx, ops, writes, results)
		return nil
	})
	_ = g.Wait()
	return results
}

func (e *Engine) runQueries(ctx context.Context, plans []*pagePlan, index []int, results []OperationResult) {
	if len(plans) == 0 {
		return
	}

	// Totals need a concurrent count, so only plain reads share a batch.
	var batched []int
	for i, p := range plans {
		if p.mode != offsetMode || !p.query.Page.WithTotal {
			batched = append(batched, i)
		}
	}

	done := make([]bool, len(plans))
	if br, ok := e.store.(BatchReader); ok && len(batched) > 1 {
		finds := make([]BatchFind, len(batched))
		for k, i := range batched {
			finds[k] = BatchFind{Resource: plans[i].query.Resource, Options: plans[i].find}
		}
		rows, err := br.FindBatch(ctx, finds)
		if err == nil && len(rows) == len(finds) {
			for k, i := range batched {
				page, err := plans[i].page(rows[k], nil)
				results[index[i]].Page, results[index[i]].Error = page, asResultError(err)
				done[i] = true
			}
		} else if err != nil {
			e.logf("batched read of %d queries failed, running them one by one: %v", len(finds), err)
		}
	}

	var g errgroup.Group
	for i := range plans {
		if done[i] {
			continue
		}
		i := i
		g.Go(func() error {
			page, err := e.Query(ctx, plans[i].query)
			results[index[i]].Page, results[index[i]].Error = page, asResultError(err)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) runWrites(ctx context.Context, ops []Operation, index []int, results []OperationResult) {
	var g errgroup.Group
	g.SetLimit(e.options.writeConcurrency)
	for _, i := range index {
		i := i
		g.Go(func() error {
			item := ops[i].Write
			w, err := item.WriteItem()
			if err != nil {
				results[i].Error = AsError(err)
				return nil
			}
			out, err := e.Write(ctx, item.Resource, w, WriteRequest{IdempotencyKey: item.IdempotencyKey})
			if err != nil {
				results[i].Error = AsError(err)
				return nil
			}
			results[i].Write = out.Body
			return nil
		})
	}
	_ = g.Wait()
}

func asResultError(err error) *Error {
	if err == nil {
		return nil
	}
	return AsError(err)
}
