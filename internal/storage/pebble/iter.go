package pebblestore

import (
	"github.com/cockroachdb/pebble"
)

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ScanFunc receives each key/value; both slices are only valid during the
// call. Returning false stops the scan.
type ScanFunc func(key, value []byte) (bool, error)

// Scan visits keys with prefix in ascending order, starting at the first key
// >= start when start is non-empty.
func (db *DB) Scan(prefix, start []byte, fn ScanFunc) error {
	lower := prefix
	if len(start) > 0 {
		lower = start
	}
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

// CountPrefix counts keys under prefix, stopping at max when max > 0.
func (db *DB) CountPrefix(prefix []byte, max int) (int, error) {
	n := 0
	err := db.Scan(prefix, nil, func(_, _ []byte) (bool, error) {
		n++
		return max <= 0 || n < max, nil
	})
	return n, err
}
