package versync

import "context"

const (
	DefaultPullLimit = 100
	MaxPullLimit     = 1000
)

type (
	PullRequest struct {
		Cursor uint64 `json:"cursor"`
		Limit  int    `json:"limit,omitempty"`
	}

	// PullResponse holds the changes after the request cursor in ascending
	// cursor order. NextCursor is the last change's cursor, or the request
	// cursor when there is nothing new.
	PullResponse struct {
		Changes    []Change `json:"changes"`
		NextCursor uint64   `json:"nextCursor"`
		HasMore    bool     `json:"hasMore"`
	}
)

func (e *Engine) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	feed := e.options.feed
	if feed == nil {
		return nil, AdapterNotImplemented("pullChanges")
	}
	if req.Limit < 0 {
		return nil, InvalidQuery("limit", "limit must be >= 0")
	}
	limit := pullLimit(req.Limit)

	changes, err := feed.PullChanges(ctx, req.Cursor, limit)
	if err != nil {
		return nil, e.storageError("pull", "changes", err)
	}
	if changes == nil {
		changes = []Change{}
	}
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return &PullResponse{
		Changes:    changes,
		NextCursor: nextCursor(req.Cursor, changes),
		HasMore:    len(changes) == limit,
	}, nil
}

func pullLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPullLimit
	case limit > MaxPullLimit:
		return MaxPullLimit
	default:
		return limit
	}
}

func nextCursor(cursor uint64, changes []Change) uint64 {
	if len(changes) == 0 {
		return cursor
	}
	return changes[len(changes)-1].Cursor
}
