package pebblestore

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
)

// GetJSON loads and decodes the JSON value at key.
func (db *DB) GetJSON(key []byte, v any) error {
	raw, err := db.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// SetJSON stages the JSON encoding of v into b.
func SetJSON(b *pebble.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, raw, nil)
}
