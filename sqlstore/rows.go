package sqlstore

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/airheartdev/versync"
)

type scanner interface {
	Scan(dest ...any) error
}

// scanRow reads an (id, version, data) triple. The columns win over the
// copies held in data.
func (s *Store) scanRow(sc scanner) (versync.Row, error) {
	var (
		id      string
		version int64
		data    string
	)
	if err := sc.Scan(&id, &version, &data); err != nil {
		return nil, err
	}
	row, err := decodeRow([]byte(data))
	if err != nil {
		return nil, err
	}
	row[s.idField] = id
	row[versync.VersionField] = version
	return row, nil
}

func encodeRow(row versync.Row) (string, error) {
	data, err := json.Marshal(bindRow(row))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// bindRow stores times the way json_extract will read them back: as text.
func bindRow(row versync.Row) versync.Row {
	out := make(versync.Row, len(row))
	for k, v := range row {
		out[k] = bindValue(v)
	}
	return out
}

func decodeRow(data []byte) (versync.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	row := versync.Row{}
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	for k, v := range row {
		row[k] = versync.NormalizeValue(v)
	}
	return row, nil
}

// bindValue converts a filter or row value into a SQLite parameter.
func bindValue(v any) any {
	switch val := versync.NormalizeValue(v).(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
