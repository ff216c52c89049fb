package versync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type (
	PushRequest struct {
		ClientID string     `json:"clientID,omitempty"`
		Items    []PushItem `json:"items"`
	}

	// Ack reports an applied (or replayed) write.
	Ack struct {
		Index          int    `json:"index"`
		IdempotencyKey string `json:"idempotencyKey"`
		Resource       string `json:"resource"`
		ID             string `json:"id"`
		ServerVersion  int64  `json:"serverVersion"`
	}

	// Reject reports a write that was not applied. Conflicts carry the
	// stored state so the client can rebase.
	Reject struct {
		Index          int    `json:"index"`
		IdempotencyKey string `json:"idempotencyKey"`
		Resource       string `json:"resource,omitempty"`
		Error          *Error `json:"error"`
		CurrentValue   Row    `json:"currentValue,omitempty"`
		CurrentVersion *int64 `json:"currentVersion,omitempty"`
	}

	// PushResponse lists acks and rejects, each in input order. ServerCursor
	// is the highest change cursor produced by the pushed items.
	PushResponse struct {
		Acks         []Ack    `json:"acks"`
		Rejects      []Reject `json:"rejects"`
		ServerCursor uint64   `json:"serverCursor"`
	}

	pushResult struct {
		ack    *Ack
		reject *Reject
		cursor uint64
	}
)

// Push applies each item in its own transaction. Items are independent: one
// item's failure never affects the others.
func (e *Engine) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	results := make([]pushResult, len(req.Items))

	var g errgroup.Group
	g.SetLimit(e.options.writeConcurrency)
	for i := range req.Items {
		i := i
		g.Go(func() error {
			results[i] = e.pushItem(ctx, i, req.Items[i])
			return nil
		})
	}
	_ = g.Wait()

	resp := &PushResponse{Acks: []Ack{}, Rejects: []Reject{}}
	for _, r := range results {
		if r.ack != nil {
			resp.Acks = append(resp.Acks, *r.ack)
		} else {
			resp.Rejects = append(resp.Rejects, *r.reject)
		}
		if r.cursor > resp.ServerCursor {
			resp.ServerCursor = r.cursor
		}
	}
	return resp, nil
}

func (e *Engine) pushItem(ctx context.Context, index int, item PushItem) pushResult {
	reject := func(err error) pushResult {
		werr := AsError(err)
		r := &Reject{Index: index, IdempotencyKey: item.IdempotencyKey, Resource: item.Resource, Error: werr}
		if version, value, ok := ConflictState(werr); ok {
			r.CurrentVersion = &version
			r.CurrentValue = value
		}
		return pushResult{reject: r}
	}

	if item.IdempotencyKey == "" {
		return reject(InvalidWrite(fmt.Sprintf("items[%d].idempotencyKey", index), "idempotencyKey is required"))
	}
	w, err := item.WriteItem()
	if err != nil {
		return reject(err)
	}
	out, err := e.Write(ctx, item.Resource, w, WriteRequest{IdempotencyKey: item.IdempotencyKey})
	if err != nil {
		return reject(err)
	}
	res, err := out.Result()
	if err != nil {
		return reject(err)
	}
	return pushResult{
		ack: &Ack{
			Index:          index,
			IdempotencyKey: item.IdempotencyKey,
			Resource:       item.Resource,
			ID:             res.ID,
			ServerVersion:  res.Version,
		},
		cursor: res.Cursor,
	}
}
