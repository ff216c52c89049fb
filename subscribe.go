package versync

import (
	"context"
	"time"
)

type (
	FrameType string

	// Frame is one message of a subscription stream.
	Frame struct {
		Type       FrameType       `json:"type"`
		RetryMs    int64           `json:"retryMs,omitempty"`
		NextCursor uint64          `json:"nextCursor,omitempty"`
		Changes    []ChangeSummary `json:"changes,omitempty"`
	}

	ChangeSummary struct {
		Resource    string     `json:"resource"`
		EntityID    string     `json:"entityId"`
		Kind        ChangeKind `json:"kind"`
		Version     int64      `json:"version"`
		ChangedAtMs int64      `json:"changedAtMs"`
	}

	SubscribeRequest struct {
		Cursor uint64 `json:"cursor"`
		Limit  int    `json:"limit,omitempty"`
	}
)

const (
	FrameHeartbeat FrameType = "heartbeat"
	FrameRetry     FrameType = "retry"
	FrameChanges   FrameType = "changes"
)

// Subscribe tails the change log after req.Cursor, handing frames to emit
// until ctx is done or emit fails. It returns nil when ctx ends the loop.
func (e *Engine) Subscribe(ctx context.Context, req SubscribeRequest, emit func(Frame) error) error {
	feed := e.options.feed
	if feed == nil {
		return AdapterNotImplemented("waitForChanges")
	}
	timing := e.SubscribeTiming()
	limit := pullLimit(req.Limit)
	cursor := req.Cursor

	if err := emit(Frame{Type: FrameRetry, RetryMs: timing.Retry.Milliseconds()}); err != nil {
		return err
	}
	last := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		timing = e.SubscribeTiming()

		if time.Since(last) >= timing.Heartbeat {
			if err := emit(Frame{Type: FrameHeartbeat}); err != nil {
				return err
			}
			last = time.Now()
		}

		hold := timing.MaxHold
		if untilBeat := timing.Heartbeat - time.Since(last); untilBeat < hold {
			hold = untilBeat
		}
		if hold <= 0 {
			continue
		}

		changes, err := feed.WaitForChanges(ctx, cursor, limit, hold)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return e.storageError("subscribe", "changes", err)
		}
		if len(changes) == 0 {
			continue
		}

		cursor = changes[len(changes)-1].Cursor
		if err := emit(changeFrame(cursor, changes)); err != nil {
			return err
		}
		last = time.Now()
	}
}

func changeFrame(cursor uint64, changes []Change) Frame {
	summaries := make([]ChangeSummary, len(changes))
	for i, c := range changes {
		summaries[i] = ChangeSummary{
			Resource:    c.Resource,
			EntityID:    c.ID,
			Kind:        c.Kind,
			Version:     c.ServerVersion,
			ChangedAtMs: c.ChangedAt.UnixMilli(),
		}
	}
	return Frame{Type: FrameChanges, NextCursor: cursor, Changes: summaries}
}
