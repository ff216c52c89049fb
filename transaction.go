package versync

import "context"

type (
	// Reader is the read side of the entity store contract.
	Reader interface {
		FindMany(ctx context.Context, resource string, opts FindOptions) ([]Row, error)
		Count(ctx context.Context, resource string, filter Filter) (int, error)
		// Get returns ErrRowNotFound when the row does not exist.
		Get(ctx context.Context, resource, id string, sel []string) (Row, error)
	}

	// Tx is the handle passed to a transaction body. Write primitives are
	// optional capabilities; see Creator, Updater and Deleter.
	Tx interface {
		Reader
	}

	// Creator inserts a row. It returns ErrDuplicateID if the id exists.
	// A row without an id gets a store-assigned one.
	Creator interface {
		Create(ctx context.Context, resource string, row Row, opts WriteOptions) (Row, error)
	}

	// Updater replaces a row. With ExpectVersion set it returns
	// ErrVersionMismatch unless the stored version still matches.
	Updater interface {
		Update(ctx context.Context, resource, id string, row Row, opts WriteOptions) (Row, error)
	}

	// Deleter removes a row, honoring ExpectVersion like Updater.
	Deleter interface {
		Delete(ctx context.Context, resource, id string, opts WriteOptions) error
	}

	// Store is the entity store contract: reads plus transactions. The
	// transaction body's error rolls back every write made through tx.
	Store interface {
		Reader
		Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	}

	// BatchReader runs several reads in one round trip. Results are in
	// query order.
	BatchReader interface {
		FindBatch(ctx context.Context, queries []BatchFind) ([][]Row, error)
	}

	BatchFind struct {
		Resource string
		Options  FindOptions
	}

	WriteOptions struct {
		// Select restricts the returned fields; empty returns all.
		Select []string
		// Returning asks the store to return the written row.
		Returning bool
		// ExpectVersion turns the write into a compare-and-swap.
		ExpectVersion *int64
	}
)
