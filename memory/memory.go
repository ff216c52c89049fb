package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/airheartdev/versync"
	"github.com/jellydator/ttlcache/v3"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

var ErrForeignTx = errors.New("memory: transaction belongs to another backend")

type (
	// Backend is an in-memory entity store and change feed. Transactions are
	// serialized; reads outside a transaction see committed state only.
	Backend struct {
		mu      sync.RWMutex
		tables  *btree.Tree[string, *table]
		changes []versync.Change
		ledger  *ttlcache.Cache[string, versync.IdempotencyRecord]
		wake    chan struct{}
		now     func() time.Time
		idField string
	}

	table struct {
		rows *btree.Tree[string, *Entry]
		live int
	}

	// Entry is a stored row. Deleted rows stay as tombstones.
	Entry struct {
		Row            versync.Row
		Deleted        bool
		LastModifiedAt time.Time
	}

	Option func(b *Backend)
)

var (
	_ versync.Store       = &Backend{}
	_ versync.Feed        = &Backend{}
	_ versync.BatchReader = &Backend{}
)

func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithIDField names the id field rows are keyed by.
func WithIDField(field string) Option {
	return func(b *Backend) {
		b.idField = field
	}
}

func New(options ...Option) *Backend {
	b := &Backend{
		tables: btree.New[string, *table](generic.Less[string]),
		ledger: ttlcache.New[string, versync.IdempotencyRecord](
			ttlcache.WithDisableTouchOnHit[string, versync.IdempotencyRecord](),
		),
		wake:    make(chan struct{}),
		now:     time.Now,
		idField: versync.DefaultIDField,
	}
	for _, option := range options {
		option(b)
	}
	go b.ledger.Start()
	return b
}

// Close stops the idempotency ledger's expiry loop.
func (b *Backend) Close() error {
	b.ledger.Stop()
	return nil
}

func (b *Backend) FindMany(ctx context.Context, resource string, opts versync.FindOptions) ([]versync.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return find(b.committed(resource), opts), nil
}

func (b *Backend) Count(ctx context.Context, resource string, filter versync.Filter) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return count(b.committed(resource), filter), nil
}

func (b *Backend) Get(ctx context.Context, resource, id string, sel []string) (versync.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entry(resource, id)
	if !ok {
		return nil, versync.ErrRowNotFound
	}
	return entry.Row.Project(sel), nil
}

// FindBatch runs every read against the same committed snapshot.
func (b *Backend) FindBatch(ctx context.Context, queries []versync.BatchFind) ([][]versync.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]versync.Row, len(queries))
	for i, q := range queries {
		out[i] = find(b.committed(q.Resource), q.Options)
	}
	return out, nil
}

// Transact runs fn in a buffered transaction. Writes become visible when fn
// returns nil and are discarded otherwise.
func (b *Backend) Transact(ctx context.Context, fn func(ctx context.Context, tx versync.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := newTransaction(b)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// Size returns the number of live rows of resource.
func (b *Backend) Size(resource string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables.Get(resource)
	if !ok {
		return 0
	}
	return t.live
}

func (b *Backend) GetIdempotency(ctx context.Context, tx versync.Tx, key string) (*versync.IdempotencyRecord, error) {
	mtx, err := b.own(tx)
	if err != nil {
		return nil, err
	}
	if rec, ok := mtx.ledger[key]; ok {
		return &rec, nil
	}
	item := b.ledger.Get(key)
	if item == nil {
		return nil, nil
	}
	rec := item.Value()
	if !rec.ExpiresAt.IsZero() && !b.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (b *Backend) PutIdempotency(ctx context.Context, tx versync.Tx, rec versync.IdempotencyRecord, ttl time.Duration) error {
	mtx, err := b.own(tx)
	if err != nil {
		return err
	}
	rec.Body = append([]byte(nil), rec.Body...)
	mtx.ledger[rec.Key] = rec
	mtx.ttl[rec.Key] = ttl
	return nil
}

// AppendChange assigns the next cursor. Transactions are serialized, so the
// cursor order is the commit order.
func (b *Backend) AppendChange(ctx context.Context, tx versync.Tx, change versync.Change) (versync.Change, error) {
	mtx, err := b.own(tx)
	if err != nil {
		return versync.Change{}, err
	}
	change.Cursor = uint64(len(b.changes)+len(mtx.changes)) + 1
	mtx.changes = append(mtx.changes, change)
	return change, nil
}

func (b *Backend) PullChanges(ctx context.Context, cursor uint64, limit int) ([]versync.Change, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changesAfter(cursor, limit), nil
}

// WaitForChanges returns as soon as a commit appends changes after cursor.
func (b *Backend) WaitForChanges(ctx context.Context, cursor uint64, limit int, timeout time.Duration) ([]versync.Change, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.RLock()
		changes := b.changesAfter(cursor, limit)
		wake := b.wake
		b.mu.RUnlock()

		if len(changes) > 0 {
			return changes, nil
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// changesAfter relies on cursor == index+1.
func (b *Backend) changesAfter(cursor uint64, limit int) []versync.Change {
	if cursor >= uint64(len(b.changes)) {
		return nil
	}
	end := uint64(len(b.changes))
	if limit > 0 && cursor+uint64(limit) < end {
		end = cursor + uint64(limit)
	}
	out := make([]versync.Change, end-cursor)
	copy(out, b.changes[cursor:end])
	return out
}

func (b *Backend) own(tx versync.Tx) (*Transaction, error) {
	mtx, ok := tx.(*Transaction)
	if !ok || mtx.backend != b {
		return nil, ErrForeignTx
	}
	return mtx, nil
}

func (b *Backend) entry(resource, id string) (*Entry, bool) {
	t, ok := b.tables.Get(resource)
	if !ok {
		return nil, false
	}
	entry, ok := t.rows.Get(id)
	if !ok || entry.Deleted {
		return nil, false
	}
	return entry, true
}

func (b *Backend) committed(resource string) []versync.Row {
	t, ok := b.tables.Get(resource)
	if !ok {
		return nil
	}
	rows := make([]versync.Row, 0, t.live)
	t.rows.Each(func(id string, entry *Entry) {
		if !entry.Deleted {
			rows = append(rows, entry.Row)
		}
	})
	return rows
}

func (b *Backend) put(resource, id string, row versync.Row, at time.Time) {
	t, ok := b.tables.Get(resource)
	if !ok {
		t = &table{rows: btree.New[string, *Entry](generic.Less[string])}
		b.tables.Put(resource, t)
	}
	if prev, ok := t.rows.Get(id); !ok || prev.Deleted {
		t.live++
	}
	t.rows.Put(id, &Entry{Row: row, LastModifiedAt: at})
}

func (b *Backend) del(resource, id string, at time.Time) {
	t, ok := b.tables.Get(resource)
	if !ok {
		return
	}
	if prev, ok := t.rows.Get(id); ok && !prev.Deleted {
		t.live--
		t.rows.Put(id, &Entry{Row: prev.Row, Deleted: true, LastModifiedAt: at})
	}
}

func find(rows []versync.Row, opts versync.FindOptions) []versync.Row {
	matched := make([]versync.Row, 0, len(rows))
	for _, row := range rows {
		if versync.Match(opts.Filter, row) {
			matched = append(matched, row)
		}
	}
	opts.Order.Sort(matched)

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Take > 0 && opts.Take < len(matched) {
		matched = matched[:opts.Take]
	}

	out := make([]versync.Row, len(matched))
	for i, row := range matched {
		out[i] = row.Project(opts.Select)
	}
	return out
}

func count(rows []versync.Row, filter versync.Filter) int {
	n := 0
	for _, row := range rows {
		if versync.Match(filter, row) {
			n++
		}
	}
	return n
}
