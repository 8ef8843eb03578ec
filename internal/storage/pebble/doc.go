// Package pebblestore wraps Pebble with an fsync policy, prefix iteration,
// JSON helpers and striped in-process key locks.
//
// Every pushhub store keeps its state under the "hub/" keyspace of one DB:
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
//	unlock := db.Lock(key)
//	defer unlock()
//	// read, modify, write key
package pebblestore
