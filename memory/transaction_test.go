package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/airheartdev/versync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	backend := New()
	defer backend.Close()
	require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		_, err := tx.(versync.Creator).Create(ctx, "todos", versync.Row{"id": "todo-2", "title": "Another World", "version": int64(1)}, versync.WriteOptions{})
		return err
	}))

	err := backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		mtx := tx.(*Transaction)

		row, err := mtx.Create(ctx, "todos", versync.Row{"id": "todo-1", "title": "Hello World", "version": int64(1)}, versync.WriteOptions{Returning: true})
		a.NoError(err)
		a.Equal("Hello World", row["title"])

		got, err := mtx.Get(ctx, "todos", "todo-1", nil)
		a.NoError(err)
		a.Equal("Hello World", got["title"])
		a.Equal(1, len(backend.committed("todos")), "buffered rows stay private until commit")

		n, err := mtx.Count(ctx, "todos", nil)
		a.NoError(err)
		a.Equal(2, n)

		a.NoError(mtx.Delete(ctx, "todos", "todo-2", versync.WriteOptions{}))
		_, err = mtx.Get(ctx, "todos", "todo-2", nil)
		a.ErrorIs(err, versync.ErrRowNotFound)

		rows, err := mtx.FindMany(ctx, "todos", versync.FindOptions{})
		a.NoError(err)
		a.Len(rows, 1)
		return nil
	})
	a.NoError(err)

	a.Equal(1, backend.Size("todos"))
	rows, err := backend.FindMany(ctx, "todos", versync.FindOptions{})
	a.NoError(err)
	a.Len(rows, 1)
	a.Equal("todo-1", rows[0]["id"])
}

func TestTransactionRollback(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	boom := errors.New("boom")
	err := backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		mtx := tx.(*Transaction)
		_, err := mtx.Create(ctx, "todos", versync.Row{"id": "t1", "version": int64(1)}, versync.WriteOptions{})
		a.NoError(err)
		_, err = backend.AppendChange(ctx, tx, versync.Change{Resource: "todos", ID: "t1", Kind: versync.ChangeUpsert, ServerVersion: 1})
		a.NoError(err)
		a.NoError(backend.PutIdempotency(ctx, tx, versync.IdempotencyRecord{Key: "k1", Status: 200, Body: []byte(`{}`)}, time.Hour))
		return boom
	})
	a.ErrorIs(err, boom)

	a.Equal(0, backend.Size("todos"))
	changes, err := backend.PullChanges(ctx, 0, 10)
	a.NoError(err)
	a.Empty(changes)

	require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		rec, err := backend.GetIdempotency(ctx, tx, "k1")
		a.NoError(err)
		a.Nil(rec)
		return nil
	}))
}

func TestTransactionVersionChecks(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	two := int64(2)
	err := backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		mtx := tx.(*Transaction)
		_, err := mtx.Create(ctx, "todos", versync.Row{"id": "t1", "version": int64(1)}, versync.WriteOptions{})
		a.NoError(err)

		_, err = mtx.Create(ctx, "todos", versync.Row{"id": "t1", "version": int64(1)}, versync.WriteOptions{})
		a.ErrorIs(err, versync.ErrDuplicateID)

		_, err = mtx.Update(ctx, "todos", "t1", versync.Row{"version": int64(3)}, versync.WriteOptions{ExpectVersion: &two})
		a.ErrorIs(err, versync.ErrVersionMismatch)

		_, err = mtx.Update(ctx, "todos", "nope", versync.Row{"version": int64(3)}, versync.WriteOptions{})
		a.ErrorIs(err, versync.ErrRowNotFound)

		a.ErrorIs(mtx.Delete(ctx, "todos", "t1", versync.WriteOptions{ExpectVersion: &two}), versync.ErrVersionMismatch)
		return nil
	})
	a.NoError(err)
}

func TestCommitRejectsUnversionedRows(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	err := backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		_, err := tx.(*Transaction).Create(ctx, "todos", versync.Row{"id": "t1"}, versync.WriteOptions{})
		return err
	})
	assert.Error(t, err)
	assert.Equal(t, 0, backend.Size("todos"))
}

func TestCreateAssignsULID(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	var id string
	require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		row, err := tx.(*Transaction).Create(ctx, "todos", versync.Row{"version": int64(1)}, versync.WriteOptions{Returning: true})
		if err != nil {
			return err
		}
		id, _ = versync.RowID(row, versync.DefaultIDField)
		return nil
	}))
	assert.Len(t, id, 26)

	_, err := backend.Get(ctx, "todos", id, nil)
	assert.NoError(t, err)
}

func TestTombstonesAllowRecreate(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	write := func(fn func(mtx *Transaction) error) {
		require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
			return fn(tx.(*Transaction))
		}))
	}
	write(func(mtx *Transaction) error {
		_, err := mtx.Create(ctx, "todos", versync.Row{"id": "t1", "version": int64(1)}, versync.WriteOptions{})
		return err
	})
	write(func(mtx *Transaction) error {
		return mtx.Delete(ctx, "todos", "t1", versync.WriteOptions{})
	})
	a.Equal(0, backend.Size("todos"))

	write(func(mtx *Transaction) error {
		_, err := mtx.Create(ctx, "todos", versync.Row{"id": "t1", "version": int64(1), "again": true}, versync.WriteOptions{})
		return err
	})
	a.Equal(1, backend.Size("todos"))
	row, err := backend.Get(ctx, "todos", "t1", []string{"again"})
	a.NoError(err)
	a.Equal(versync.Row{"again": true}, row)
}

func TestChangeCursorsAreDense(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
			for j := 0; j < 2; j++ {
				if _, err := backend.AppendChange(ctx, tx, versync.Change{Resource: "todos", ID: "t", Kind: versync.ChangeUpsert}); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	changes, err := backend.PullChanges(ctx, 0, 0)
	a.NoError(err)
	a.Len(changes, 6)
	for i, c := range changes {
		a.Equal(uint64(i+1), c.Cursor)
	}

	changes, err = backend.PullChanges(ctx, 4, 1)
	a.NoError(err)
	a.Len(changes, 1)
	a.Equal(uint64(5), changes[0].Cursor)

	changes, err = backend.PullChanges(ctx, 6, 10)
	a.NoError(err)
	a.Empty(changes)
}

func TestWaitForChangesWakesOnCommit(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	start := time.Now()
	changes, err := backend.WaitForChanges(ctx, 0, 10, 20*time.Millisecond)
	a.NoError(err)
	a.Empty(changes)
	a.GreaterOrEqual(time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
			_, err := backend.AppendChange(ctx, tx, versync.Change{Resource: "todos", ID: "t1", Kind: versync.ChangeUpsert})
			return err
		})
	}()
	changes, err = backend.WaitForChanges(ctx, 0, 10, 5*time.Second)
	a.NoError(err)
	a.Len(changes, 1)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = backend.WaitForChanges(cctx, 1, 10, time.Second)
	a.ErrorIs(err, context.Canceled)
}

func TestIdempotencyExpiry(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := New(WithClock(func() time.Time { return now }))
	defer backend.Close()

	require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		return backend.PutIdempotency(ctx, tx, versync.IdempotencyRecord{
			Key:       "k1",
			Status:    200,
			Body:      []byte(`{"id":"t1"}`),
			ExpiresAt: now.Add(time.Minute),
		}, time.Hour)
	}))

	lookup := func() *versync.IdempotencyRecord {
		var rec *versync.IdempotencyRecord
		require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
			var err error
			rec, err = backend.GetIdempotency(ctx, tx, "k1")
			return err
		}))
		return rec
	}

	rec := lookup()
	a.NotNil(rec)
	a.JSONEq(`{"id":"t1"}`, string(rec.Body))

	now = now.Add(2 * time.Minute)
	a.Nil(lookup())
}

func TestForeignTransaction(t *testing.T) {
	ctx := context.Background()
	one, two := New(), New()
	defer one.Close()
	defer two.Close()

	err := one.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		_, err := two.AppendChange(ctx, tx, versync.Change{})
		return err
	})
	assert.ErrorIs(t, err, ErrForeignTx)
}

func TestFindBatch(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()
	backend := New()
	defer backend.Close()

	require.NoError(t, backend.Transact(ctx, func(ctx context.Context, tx versync.Tx) error {
		mtx := tx.(*Transaction)
		for _, id := range []string{"a", "b", "c"} {
			if _, err := mtx.Create(ctx, "todos", versync.Row{"id": id, "version": int64(1)}, versync.WriteOptions{}); err != nil {
				return err
			}
		}
		return nil
	}))

	byID := versync.Order{{Field: "id", Direction: versync.Desc}}
	out, err := backend.FindBatch(ctx, []versync.BatchFind{
		{Resource: "todos", Options: versync.FindOptions{Order: byID, Take: 2}},
		{Resource: "todos", Options: versync.FindOptions{Filter: versync.Eq{Field: "id", Value: "b"}}},
		{Resource: "other"},
	})
	a.NoError(err)
	a.Len(out, 3)
	a.Equal("c", out[0][0]["id"])
	a.Equal("b", out[0][1]["id"])
	a.Len(out[1], 1)
	a.Empty(out[2])
}
