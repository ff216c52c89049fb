package versync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type (
	WriteRequest struct {
		// IdempotencyKey makes the write replayable. Keys are ignored when
		// the engine has no Feed.
		IdempotencyKey string
		// Select restricts the fields of the returned row.
		Select []string
	}

	// WriteResult is the success payload of a write.
	WriteResult struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
		Row     Row    `json:"row,omitempty"`
		Cursor  uint64 `json:"cursor,omitempty"`
	}

	// Outcome is the serialized result of a write: a WriteResult on
	// success or an *Error otherwise. Replayed outcomes carry the bytes
	// stored by the first execution.
	Outcome struct {
		Status   int             `json:"status"`
		Body     json.RawMessage `json:"body"`
		Replayed bool            `json:"replayed,omitempty"`
	}

	applied struct {
		result WriteResult
		change *Change
	}
)

// OK reports whether the outcome is a success.
func (o *Outcome) OK() bool {
	return o.Status < http.StatusMultipleChoices
}

// Result decodes the outcome body.
func (o *Outcome) Result() (*WriteResult, error) {
	if !o.OK() {
		e := new(Error)
		if err := decodeJSON(o.Body, e); err != nil {
			return nil, Internal("undecodable outcome")
		}
		return nil, e
	}
	res := new(WriteResult)
	if err := decodeJSON(o.Body, res); err != nil {
		return nil, Internal("undecodable outcome")
	}
	return res, nil
}

func successOutcome(res WriteResult) (*Outcome, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: http.StatusOK, Body: body}, nil
}

func errorOutcome(e *Error) *Outcome {
	body, err := json.Marshal(e)
	if err != nil {
		// Details held something unencodable; keep the code and message.
		body, _ = json.Marshal(&Error{Code: e.Code, Kind: e.Kind, Message: e.Message, Path: e.Path})
	}
	return &Outcome{Status: HTTPStatus(e.Kind), Body: body}
}

// settled reports whether an error is a deterministic outcome of the write
// itself. Those are committed to the idempotency ledger; anything else rolls
// back so the client may retry.
func settled(e *Error) bool {
	switch e.Kind {
	case KindValidation, KindConflict, KindNotFound:
		return true
	}
	return false
}

// Write applies one write item to resource. The returned error is the
// outcome's *Error, or nil when the write succeeded.
func (e *Engine) Write(ctx context.Context, resource string, item WriteItem, req WriteRequest) (*Outcome, error) {
	if resource == "" {
		return e.fail(InvalidWrite("resource", "resource is required"))
	}
	if item == nil {
		return e.fail(InvalidWrite("op", "write item is required"))
	}
	if !e.allowed(ctx, resource, true) {
		return e.fail(Forbidden(resource))
	}

	feed := e.options.feed
	key := req.IdempotencyKey
	if feed == nil {
		key = ""
	}
	fp := fingerprint(resource, item)

	var (
		out    *Outcome
		change *Change
	)
	err := e.store.Transact(context.WithoutCancel(ctx), func(ctx context.Context, tx Tx) error {
		out, change = nil, nil

		if key != "" {
			rec, err := feed.GetIdempotency(ctx, tx, key)
			if err != nil {
				return err
			}
			if rec != nil {
				if rec.Fingerprint != "" && rec.Fingerprint != fp {
					return InvalidWrite("idempotencyKey", "idempotency key %q was used for a different write", key)
				}
				out = &Outcome{Status: rec.Status, Body: rec.Body, Replayed: true}
				return nil
			}
		}

		res, err := e.apply(ctx, tx, resource, item, req.Select)
		if err != nil {
			var werr *Error
			if !errors.As(err, &werr) || !settled(werr) {
				return err
			}
			out = errorOutcome(werr)
		} else {
			if out, err = successOutcome(res.result); err != nil {
				return err
			}
			change = res.change
		}

		if key == "" {
			return nil
		}
		return feed.PutIdempotency(ctx, tx, IdempotencyRecord{
			Key:         key,
			Fingerprint: fp,
			Status:      out.Status,
			Body:        out.Body,
			ExpiresAt:   e.options.now().Add(e.options.idempotencyTTL),
		}, e.options.idempotencyTTL)
	})
	if err != nil {
		var werr *Error
		if !errors.As(err, &werr) {
			e.logf("write %s %s %q: %v", resource, item.Kind(), item.EntityID(), err)
		}
		return e.fail(AsError(err))
	}

	if change != nil && e.options.publish != nil {
		e.options.publish(*change)
	}
	if out.OK() {
		return out, nil
	}
	_, werr := out.Result()
	return out, werr
}

func (e *Engine) fail(err *Error) (*Outcome, error) {
	return errorOutcome(err), err
}

func (e *Engine) apply(ctx context.Context, tx Tx, resource string, item WriteItem, sel []string) (*applied, error) {
	switch w := item.(type) {
	case Create:
		return e.create(ctx, tx, resource, w, sel)
	case Update:
		return e.update(ctx, tx, resource, w, sel)
	case Upsert:
		if w.Mode == UpsertLoose {
			return e.looseUpsert(ctx, tx, resource, w, sel)
		}
		return e.strictUpsert(ctx, tx, resource, w, sel)
	case Delete:
		return e.delete(ctx, tx, resource, w)
	default:
		return nil, InvalidWrite("op", "unsupported write item %T", item)
	}
}

func (e *Engine) create(ctx context.Context, tx Tx, resource string, w Create, sel []string) (*applied, error) {
	creator, ok := tx.(Creator)
	if !ok {
		return nil, AdapterNotImplemented("create")
	}
	idField := e.options.idField

	data := w.Data.Clone()
	if data == nil {
		data = Row{}
	}
	id := w.ID
	if id == "" {
		id, _ = RowID(data, idField)
	}
	if id != "" {
		data[idField] = id
	}
	if v, ok := RowVersion(data); !ok || v < 1 {
		data[VersionField] = int64(1)
	}

	row, err := creator.Create(ctx, resource, data, e.writeOptions(sel, nil))
	if errors.Is(err, ErrDuplicateID) {
		return nil, e.conflictAt(ctx, tx, resource, id)
	}
	if err != nil {
		return nil, err
	}

	gotID, ok := RowID(row, idField)
	if !ok || (id != "" && gotID != id) {
		return nil, Internal("store assigned id %q to %s %q", gotID, resource, id)
	}
	return e.finish(ctx, tx, resource, gotID, row, sel, ChangeUpsert)
}

func (e *Engine) update(ctx context.Context, tx Tx, resource string, w Update, sel []string) (*applied, error) {
	if w.ID == "" {
		return nil, InvalidWrite("id", "update requires an id")
	}
	if w.BaseVersion < 0 {
		return nil, InvalidWrite("baseVersion", "baseVersion must be >= 0")
	}
	current, err := e.current(ctx, tx, resource, w.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, NotFound(resource, w.ID)
	}
	return e.compareAndSwap(ctx, tx, resource, w.ID, current, w.BaseVersion, w.Data, sel)
}

func (e *Engine) strictUpsert(ctx context.Context, tx Tx, resource string, w Upsert, sel []string) (*applied, error) {
	if w.ID == "" {
		return nil, InvalidWrite("id", "upsert requires an id")
	}
	current, err := e.current(ctx, tx, resource, w.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return e.create(ctx, tx, resource, Create{ID: w.ID, Data: w.Data}, sel)
	}
	if w.BaseVersion == nil {
		version, _ := RowVersion(current)
		return nil, Conflict(resource, w.ID, version, current)
	}
	return e.compareAndSwap(ctx, tx, resource, w.ID, current, *w.BaseVersion, w.Data, sel)
}

// looseUpsert is last-writer-wins. A lost race between reading the current
// version and writing the next one is retried up to the configured number of
// attempts, then settled by an unconditional write. It never reports a
// conflict.
func (e *Engine) looseUpsert(ctx context.Context, tx Tx, resource string, w Upsert, sel []string) (*applied, error) {
	if w.ID == "" {
		return nil, InvalidWrite("id", "upsert requires an id")
	}
	creator, canCreate := tx.(Creator)
	updater, canUpdate := tx.(Updater)
	if !canCreate {
		return nil, AdapterNotImplemented("create")
	}
	if !canUpdate {
		return nil, AdapterNotImplemented("update")
	}
	idField := e.options.idField

	for attempt := 0; attempt < e.options.looseAttempts; attempt++ {
		current, err := e.current(ctx, tx, resource, w.ID)
		if err != nil {
			return nil, err
		}

		if current == nil {
			data := w.Data.Clone()
			if data == nil {
				data = Row{}
			}
			data[idField] = w.ID
			data[VersionField] = int64(1)
			row, err := creator.Create(ctx, resource, data, e.writeOptions(sel, nil))
			if errors.Is(err, ErrDuplicateID) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return e.finish(ctx, tx, resource, w.ID, row, sel, ChangeUpsert)
		}

		version, ok := RowVersion(current)
		if !ok {
			return nil, InvalidWrite("version", "%s %q is not under version control", resource, w.ID)
		}
		row, err := updater.Update(ctx, resource, w.ID, e.nextRow(current, w.Data, w.ID, version+1), e.writeOptions(sel, &version))
		if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrRowNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e.finish(ctx, tx, resource, w.ID, row, sel, ChangeUpsert)
	}

	e.logf("loose upsert %s %q: %d attempts lost, writing unconditionally", resource, w.ID, e.options.looseAttempts)
	current, err := e.current(ctx, tx, resource, w.ID)
	if err != nil {
		return nil, err
	}
	var row Row
	if current == nil {
		data := w.Data.Clone()
		if data == nil {
			data = Row{}
		}
		data[idField] = w.ID
		data[VersionField] = int64(1)
		row, err = creator.Create(ctx, resource, data, e.writeOptions(sel, nil))
	} else {
		version, _ := RowVersion(current)
		row, err = updater.Update(ctx, resource, w.ID, e.nextRow(current, w.Data, w.ID, version+1), e.writeOptions(sel, nil))
	}
	if err != nil {
		return nil, Internal("loose upsert of %s %q did not settle", resource, w.ID)
	}
	return e.finish(ctx, tx, resource, w.ID, row, sel, ChangeUpsert)
}

func (e *Engine) delete(ctx context.Context, tx Tx, resource string, w Delete) (*applied, error) {
	if w.ID == "" {
		return nil, InvalidWrite("id", "delete requires an id")
	}
	if w.BaseVersion < 0 {
		return nil, InvalidWrite("baseVersion", "baseVersion must be >= 0")
	}
	deleter, ok := tx.(Deleter)
	if !ok {
		return nil, AdapterNotImplemented("delete")
	}
	current, err := e.current(ctx, tx, resource, w.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, NotFound(resource, w.ID)
	}
	version, ok := RowVersion(current)
	if !ok {
		return nil, InvalidWrite("version", "%s %q is not under version control", resource, w.ID)
	}
	if version != w.BaseVersion {
		return nil, Conflict(resource, w.ID, version, current)
	}

	base := w.BaseVersion
	err = deleter.Delete(ctx, resource, w.ID, WriteOptions{ExpectVersion: &base})
	if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrRowNotFound) {
		return nil, e.conflictAt(ctx, tx, resource, w.ID)
	}
	if err != nil {
		return nil, err
	}

	res := &applied{result: WriteResult{ID: w.ID, Version: base + 1}}
	return res, e.appendChange(ctx, tx, res, resource, ChangeDelete)
}

// compareAndSwap writes data over current if current is still at base.
func (e *Engine) compareAndSwap(ctx context.Context, tx Tx, resource, id string, current Row, base int64, data Row, sel []string) (*applied, error) {
	updater, ok := tx.(Updater)
	if !ok {
		return nil, AdapterNotImplemented("update")
	}
	version, ok := RowVersion(current)
	if !ok {
		return nil, InvalidWrite("version", "%s %q is not under version control", resource, id)
	}
	if version != base {
		return nil, Conflict(resource, id, version, current)
	}

	row, err := updater.Update(ctx, resource, id, e.nextRow(current, data, id, base+1), e.writeOptions(sel, &base))
	if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrRowNotFound) {
		return nil, e.conflictAt(ctx, tx, resource, id)
	}
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, tx, resource, id, row, sel, ChangeUpsert)
}

// nextRow overlays data on current and stamps the id and next version.
func (e *Engine) nextRow(current, data Row, id string, version int64) Row {
	row := current.Clone()
	if row == nil {
		row = Row{}
	}
	for k, v := range data {
		row[k] = v
	}
	row[e.options.idField] = id
	row[VersionField] = version
	return row
}

// current reads the stored row, returning nil when it does not exist.
func (e *Engine) current(ctx context.Context, tx Tx, resource, id string) (Row, error) {
	row, err := tx.Get(ctx, resource, id, nil)
	if errors.Is(err, ErrRowNotFound) {
		return nil, nil
	}
	return row, err
}

// conflictAt re-reads the row so the conflict reports the stored state.
func (e *Engine) conflictAt(ctx context.Context, tx Tx, resource, id string) error {
	current, err := e.current(ctx, tx, resource, id)
	if err != nil {
		return err
	}
	if current == nil {
		return NotFound(resource, id)
	}
	version, _ := RowVersion(current)
	return Conflict(resource, id, version, current)
}

// writeOptions always selects the id and version fields on top of the
// caller's selection.
func (e *Engine) writeOptions(sel []string, expect *int64) WriteOptions {
	return WriteOptions{
		Select:        withFields(sel, e.options.idField, VersionField),
		Returning:     true,
		ExpectVersion: expect,
	}
}

func (e *Engine) finish(ctx context.Context, tx Tx, resource, id string, row Row, sel []string, kind ChangeKind) (*applied, error) {
	version, ok := RowVersion(row)
	if !ok {
		return nil, Internal("store returned %s %q without a version", resource, id)
	}
	res := &applied{result: WriteResult{ID: id, Version: version, Row: row.Project(sel)}}
	return res, e.appendChange(ctx, tx, res, resource, kind)
}

func (e *Engine) appendChange(ctx context.Context, tx Tx, res *applied, resource string, kind ChangeKind) error {
	change := Change{
		Resource:      resource,
		ID:            res.result.ID,
		Kind:          kind,
		ServerVersion: res.result.Version,
		ChangedAt:     e.options.now().UTC(),
	}
	if e.options.feed != nil {
		var err error
		if change, err = e.options.feed.AppendChange(ctx, tx, change); err != nil {
			return err
		}
		res.result.Cursor = change.Cursor
	}
	res.change = &change
	return nil
}

// withFields returns sel extended by any missing fields. An empty sel
// already selects everything and is returned unchanged.
func withFields(sel []string, fields ...string) []string {
	if len(sel) == 0 {
		return nil
	}
	out := append([]string(nil), sel...)
	for _, f := range fields {
		found := false
		for _, s := range out {
			if s == f {
				found = true
				break
			}
		}
		if !found {
			out = append(out, f)
		}
	}
	return out
}
