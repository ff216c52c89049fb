package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/airheartdev/versync"
)

var ErrForeignTx = errors.New("sqlstore: transaction belongs to another store")

func (s *Store) own(tx versync.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, ErrForeignTx
	}
	return t, nil
}

// GetIdempotency ignores records past their expiry.
func (s *Store) GetIdempotency(ctx context.Context, tx versync.Tx, key string) (*versync.IdempotencyRecord, error) {
	t, err := s.own(tx)
	if err != nil {
		return nil, err
	}

	var (
		rec       versync.IdempotencyRecord
		body      []byte
		expiresAt int64
	)
	err = t.tx.QueryRowContext(ctx, `
		SELECT idem_key, fingerprint, status, body, expires_at
		FROM idempotency
		WHERE idem_key = ? AND expires_at > ?
	`, key, s.now().UnixMilli()).Scan(&rec.Key, &rec.Fingerprint, &rec.Status, &body, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency %q: %w", key, err)
	}
	rec.Body = body
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &rec, nil
}

// PutIdempotency replaces an expired record under the same key.
func (s *Store) PutIdempotency(ctx context.Context, tx versync.Tx, rec versync.IdempotencyRecord, ttl time.Duration) error {
	t, err := s.own(tx)
	if err != nil {
		return err
	}
	expiresAt := rec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(ttl)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO idempotency (idem_key, fingerprint, status, body, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idem_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			body = excluded.body,
			expires_at = excluded.expires_at
		WHERE idempotency.expires_at <= ?
	`, rec.Key, rec.Fingerprint, rec.Status, []byte(rec.Body), expiresAt.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put idempotency %q: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) AppendChange(ctx context.Context, tx versync.Tx, change versync.Change) (versync.Change, error) {
	t, err := s.own(tx)
	if err != nil {
		return versync.Change{}, err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO changes (resource, entity_id, kind, server_version, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, change.Resource, change.ID, string(change.Kind), change.ServerVersion, change.ChangedAt.UnixMilli())
	if err != nil {
		return versync.Change{}, fmt.Errorf("append change: %w", err)
	}
	cursor, err := res.LastInsertId()
	if err != nil {
		return versync.Change{}, fmt.Errorf("append change: %w", err)
	}
	change.Cursor = uint64(cursor)
	change.ChangedAt = time.UnixMilli(change.ChangedAt.UnixMilli()).UTC()
	return change, nil
}

func (s *Store) PullChanges(ctx context.Context, cursor uint64, limit int) ([]versync.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cursor, resource, entity_id, kind, server_version, changed_at
		FROM changes
		WHERE cursor > ?
		ORDER BY cursor ASC
		LIMIT ?
	`, int64(cursor), limit)
	if err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}
	defer rows.Close()

	out := make([]versync.Change, 0)
	for rows.Next() {
		var (
			c         versync.Change
			cur       int64
			kind      string
			changedAt int64
		)
		if err := rows.Scan(&cur, &c.Resource, &c.ID, &kind, &c.ServerVersion, &changedAt); err != nil {
			return nil, fmt.Errorf("pull changes: %w", err)
		}
		c.Cursor = uint64(cur)
		c.Kind = versync.ChangeKind(kind)
		c.ChangedAt = time.UnixMilli(changedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// WaitForChanges polls every poll interval until changes exist or timeout
// elapses.
func (s *Store) WaitForChanges(ctx context.Context, cursor uint64, limit int, timeout time.Duration) ([]versync.Change, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		changes, err := s.PullChanges(ctx, cursor, limit)
		if err != nil || len(changes) > 0 {
			return changes, err
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PurgeExpired deletes idempotency records past their expiry and returns
// how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency: %w", err)
	}
	return res.RowsAffected()
}
