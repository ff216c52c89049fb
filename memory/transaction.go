package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/airheartdev/versync"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

type (
	// Transaction buffers writes over the backend's committed rows until
	// commit. It is only used by the goroutine running the transaction body.
	Transaction struct {
		backend *Backend
		cache   *btree.Tree[string, Value]
		changes []versync.Change
		ledger  map[string]versync.IdempotencyRecord
		ttl     map[string]time.Duration
	}

	// Value is a buffered row. A nil Row marks a delete.
	Value struct {
		Resource string
		ID       string
		Row      versync.Row
		Dirty    bool
	}
)

var (
	_ versync.Tx      = &Transaction{}
	_ versync.Creator = &Transaction{}
	_ versync.Updater = &Transaction{}
	_ versync.Deleter = &Transaction{}
)

func newTransaction(b *Backend) *Transaction {
	return &Transaction{
		backend: b,
		cache:   btree.New[string, Value](generic.Less[string]),
		ledger:  make(map[string]versync.IdempotencyRecord),
		ttl:     make(map[string]time.Duration),
	}
}

func cacheKey(resource, id string) string {
	return resource + "\x00" + id
}

// lookup returns the row as the transaction sees it.
func (t *Transaction) lookup(resource, id string) (versync.Row, bool) {
	if val, ok := t.cache.Get(cacheKey(resource, id)); ok {
		return val.Row, val.Row != nil
	}
	entry, ok := t.backend.entry(resource, id)
	if !ok {
		return nil, false
	}
	return entry.Row, true
}

// rows merges the committed rows of resource with the buffered writes.
func (t *Transaction) rows(resource string) []versync.Row {
	committed := t.backend.committed(resource)
	out := make([]versync.Row, 0, len(committed))
	seen := make(map[string]bool)
	for _, row := range committed {
		id, _ := versync.RowID(row, t.backend.idField)
		if val, ok := t.cache.Get(cacheKey(resource, id)); ok {
			seen[id] = true
			if val.Row != nil {
				out = append(out, val.Row)
			}
			continue
		}
		out = append(out, row)
	}
	t.cache.Each(func(_ string, val Value) {
		if val.Resource == resource && val.Row != nil && !seen[val.ID] {
			out = append(out, val.Row)
		}
	})
	return out
}

func (t *Transaction) FindMany(ctx context.Context, resource string, opts versync.FindOptions) ([]versync.Row, error) {
	return find(t.rows(resource), opts), nil
}

func (t *Transaction) Count(ctx context.Context, resource string, filter versync.Filter) (int, error) {
	return count(t.rows(resource), filter), nil
}

func (t *Transaction) Get(ctx context.Context, resource, id string, sel []string) (versync.Row, error) {
	row, ok := t.lookup(resource, id)
	if !ok {
		return nil, versync.ErrRowNotFound
	}
	return row.Project(sel), nil
}

// Create assigns a ULID when the row has no id.
func (t *Transaction) Create(ctx context.Context, resource string, row versync.Row, opts versync.WriteOptions) (versync.Row, error) {
	idField := t.backend.idField
	row = row.Clone()
	id, ok := versync.RowID(row, idField)
	if !ok {
		id = ulid.Make().String()
	}
	row[idField] = id

	if _, exists := t.lookup(resource, id); exists {
		return nil, versync.ErrDuplicateID
	}
	t.cache.Put(cacheKey(resource, id), Value{Resource: resource, ID: id, Row: row, Dirty: true})
	return returning(row, opts), nil
}

func (t *Transaction) Update(ctx context.Context, resource, id string, row versync.Row, opts versync.WriteOptions) (versync.Row, error) {
	current, ok := t.lookup(resource, id)
	if !ok {
		return nil, versync.ErrRowNotFound
	}
	if err := checkVersion(current, opts.ExpectVersion); err != nil {
		return nil, err
	}
	row = row.Clone()
	row[t.backend.idField] = id
	t.cache.Put(cacheKey(resource, id), Value{Resource: resource, ID: id, Row: row, Dirty: true})
	return returning(row, opts), nil
}

func (t *Transaction) Delete(ctx context.Context, resource, id string, opts versync.WriteOptions) error {
	current, ok := t.lookup(resource, id)
	if !ok {
		return versync.ErrRowNotFound
	}
	if err := checkVersion(current, opts.ExpectVersion); err != nil {
		return err
	}
	t.cache.Put(cacheKey(resource, id), Value{Resource: resource, ID: id, Dirty: true})
	return nil
}

func checkVersion(current versync.Row, expect *int64) error {
	if expect == nil {
		return nil
	}
	if version, ok := versync.RowVersion(current); !ok || version != *expect {
		return versync.ErrVersionMismatch
	}
	return nil
}

func returning(row versync.Row, opts versync.WriteOptions) versync.Row {
	if !opts.Returning {
		return nil
	}
	return row.Project(opts.Select)
}

// commit validates every buffered row, then publishes rows, changes and
// idempotency records. Nothing is published if validation fails.
func (t *Transaction) commit() error {
	b := t.backend

	var errs error
	t.cache.Each(func(key string, val Value) {
		if !val.Dirty || val.Row == nil {
			return
		}
		if _, ok := versync.RowVersion(val.Row); !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s %q: row has no integer version", val.Resource, val.ID))
		}
	})
	for i, change := range t.changes {
		if change.Cursor != uint64(len(b.changes)+i)+1 {
			errs = multierror.Append(errs, fmt.Errorf("change cursor %d out of sequence", change.Cursor))
			break
		}
	}
	if errs != nil {
		return errs
	}

	now := b.now()
	t.cache.Each(func(key string, val Value) {
		if !val.Dirty {
			return
		}
		if val.Row == nil {
			b.del(val.Resource, val.ID, now)
		} else {
			b.put(val.Resource, val.ID, val.Row, now)
		}
	})

	for key, rec := range t.ledger {
		b.ledger.Set(key, rec, t.ttl[key])
	}

	if len(t.changes) > 0 {
		b.changes = append(b.changes, t.changes...)
		close(b.wake)
		b.wake = make(chan struct{})
	}
	return nil
}
