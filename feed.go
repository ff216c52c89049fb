package versync

import (
	"context"
	"encoding/json"
	"time"
)

type (
	ChangeKind string

	// Change is one entry of the durable change log. Cursor is assigned by
	// the feed on append and strictly increases in commit order.
	Change struct {
		Cursor        uint64     `json:"cursor"`
		Resource      string     `json:"resource"`
		ID            string     `json:"id"`
		Kind          ChangeKind `json:"kind"`
		ServerVersion int64      `json:"serverVersion"`
		ChangedAt     time.Time  `json:"changedAt"`
	}

	// IdempotencyRecord is the stored outcome of a keyed write.
	IdempotencyRecord struct {
		Key         string          `json:"key"`
		Fingerprint string          `json:"fingerprint,omitempty"`
		Status      int             `json:"status"`
		Body        json.RawMessage `json:"body"`
		ExpiresAt   time.Time       `json:"expiresAt"`
	}

	// Feed is the sync adapter contract. The idempotency and append calls
	// receive the transaction handle of the surrounding write and must take
	// effect atomically with it.
	Feed interface {
		// GetIdempotency returns nil on a miss or an expired record.
		GetIdempotency(ctx context.Context, tx Tx, key string) (*IdempotencyRecord, error)
		PutIdempotency(ctx context.Context, tx Tx, rec IdempotencyRecord, ttl time.Duration) error
		AppendChange(ctx context.Context, tx Tx, change Change) (Change, error)
		PullChanges(ctx context.Context, cursor uint64, limit int) ([]Change, error)
		// WaitForChanges blocks until changes after cursor exist or timeout
		// elapses, and may return an empty slice.
		WaitForChanges(ctx context.Context, cursor uint64, limit int, timeout time.Duration) ([]Change, error)
	}
)

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)
