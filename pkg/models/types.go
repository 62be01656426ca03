package models

import (
	"database/sql/driver"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// StringList is a []string stored as a JSON text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(data), nil
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// StringMap is a map[string]string stored as a JSON text column. Used for
// book identifiers (isbn, goodreads, ...).
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(data), nil
}

func (m *StringMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return errors.WithStack(json.Unmarshal(v, dest))
	case string:
		return errors.WithStack(json.Unmarshal([]byte(v), dest))
	default:
		return errors.Errorf("cannot scan %T into JSON column", src)
	}
}
