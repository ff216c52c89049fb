package versync

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	WriteKind  string
	UpsertMode string

	// WriteItem is one logical write. The set of implementations is closed:
	// Create, Update, Upsert and Delete.
	WriteItem interface {
		Kind() WriteKind
		EntityID() string
		isWriteItem()
	}

	// Create inserts a row. ID is optional; the store assigns one if empty.
	Create struct {
		ID   string
		Data Row
	}

	// Update replaces an existing row if it is still at BaseVersion.
	Update struct {
		ID          string
		BaseVersion int64
		Data        Row
	}

	// Upsert writes a row whether or not it exists. Strict mode checks
	// BaseVersion like Update; loose mode is last-writer-wins.
	Upsert struct {
		ID          string
		BaseVersion *int64
		Data        Row
		Mode        UpsertMode
	}

	// Delete removes an existing row if it is still at BaseVersion.
	Delete struct {
		ID          string
		BaseVersion int64
	}
)

const (
	KindCreate WriteKind = "create"
	KindUpdate WriteKind = "update"
	KindUpsert WriteKind = "upsert"
	KindDelete WriteKind = "delete"

	UpsertStrict UpsertMode = "strict"
	UpsertLoose  UpsertMode = "loose"
)

func (Create) Kind() WriteKind { return KindCreate }
func (Update) Kind() WriteKind { return KindUpdate }
func (Upsert) Kind() WriteKind { return KindUpsert }
func (Delete) Kind() WriteKind { return KindDelete }

func (w Create) EntityID() string { return w.ID }
func (w Update) EntityID() string { return w.ID }
func (w Upsert) EntityID() string { return w.ID }
func (w Delete) EntityID() string { return w.ID }

func (Create) isWriteItem() {}
func (Update) isWriteItem() {}
func (Upsert) isWriteItem() {}
func (Delete) isWriteItem() {}

// PushItem is the wire form of a write item inside a push or batch.
type PushItem struct {
	IdempotencyKey string     `json:"idempotencyKey,omitempty" yaml:"idempotencyKey,omitempty"`
	Resource       string     `json:"resource" yaml:"resource"`
	Op             WriteKind  `json:"op" yaml:"op"`
	ID             string     `json:"id,omitempty" yaml:"id,omitempty"`
	BaseVersion    *int64     `json:"baseVersion,omitempty" yaml:"baseVersion,omitempty"`
	Data           Row        `json:"data,omitempty" yaml:"data,omitempty"`
	Mode           UpsertMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// WriteItem validates the wire fields required by the operation and
// returns the typed write item.
func (p PushItem) WriteItem() (WriteItem, error) {
	switch WriteKind(strings.ToLower(string(p.Op))) {
	case KindCreate:
		return Create{ID: p.ID, Data: p.Data}, nil

	case KindUpdate:
		if p.ID == "" {
			return nil, InvalidWrite("id", "update requires an id")
		}
		base, err := requireBaseVersion(p.BaseVersion)
		if err != nil {
			return nil, err
		}
		return Update{ID: p.ID, BaseVersion: base, Data: p.Data}, nil

	case KindUpsert:
		if p.ID == "" {
			return nil, InvalidWrite("id", "upsert requires an id")
		}
		mode := UpsertMode(strings.ToLower(string(p.Mode)))
		switch mode {
		case "":
			mode = UpsertStrict
		case UpsertStrict, UpsertLoose:
		default:
			return nil, InvalidWrite("mode", "unknown upsert mode %q", p.Mode)
		}
		if p.BaseVersion != nil && *p.BaseVersion < 0 {
			return nil, InvalidWrite("baseVersion", "baseVersion must be >= 0")
		}
		return Upsert{ID: p.ID, BaseVersion: p.BaseVersion, Data: p.Data, Mode: mode}, nil

	case KindDelete:
		if p.ID == "" {
			return nil, InvalidWrite("id", "delete requires an id")
		}
		base, err := requireBaseVersion(p.BaseVersion)
		if err != nil {
			return nil, err
		}
		return Delete{ID: p.ID, BaseVersion: base}, nil

	default:
		return nil, InvalidWrite("op", "unknown operation %q", p.Op)
	}
}

func requireBaseVersion(v *int64) (int64, error) {
	if v == nil {
		return 0, InvalidWrite("baseVersion", "baseVersion is required")
	}
	if *v < 0 {
		return 0, InvalidWrite("baseVersion", "baseVersion must be >= 0")
	}
	return *v, nil
}

// NewPushItem is the inverse of PushItem.WriteItem.
func NewPushItem(key, resource string, item WriteItem) PushItem {
	p := PushItem{IdempotencyKey: key, Resource: resource, Op: item.Kind(), ID: item.EntityID()}
	switch w := item.(type) {
	case Create:
		p.Data = w.Data
	case Update:
		p.BaseVersion = &w.BaseVersion
		p.Data = w.Data
	case Upsert:
		p.BaseVersion = w.BaseVersion
		p.Data = w.Data
		p.Mode = w.Mode
	case Delete:
		p.BaseVersion = &w.BaseVersion
	}
	return p
}

// fingerprint identifies the target of a keyed write so that a key reused
// for a different write is caught.
func fingerprint(resource string, item WriteItem) string {
	return fmt.Sprintf("%s|%s|%s", resource, item.Kind(), item.EntityID())
}

// UnmarshalJSON decodes numbers in Data as json.Number.
func (p *PushItem) UnmarshalJSON(data []byte) error {
	type plain PushItem
	var out plain
	if err := decodeJSON(data, &out); err != nil {
		return err
	}
	*p = PushItem(out)
	return nil
}

var _ json.Unmarshaler = (*PushItem)(nil)
