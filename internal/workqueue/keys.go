package workqueue

import "encoding/binary"

// Key prefixes for queue data structures.
const (
	prefixItem     = "item/"      // Item record by key
	prefixDue      = "due_idx/"   // Ready-at index: {ms}{key}
	prefixLeaseIdx = "lease_idx/" // Lease expiry index: {ms}{key}
	prefixDLQ      = "dlq/"       // Dead letters by key
)

// queuePrefix returns the base prefix for a queue.
// Format: wq/{name}/
func queuePrefix(name string) string { return "wq/" + name + "/" }

func itemKey(name, key string) []byte { return []byte(queuePrefix(name) + prefixItem + key) }

func dlqKey(name, key string) []byte { return []byte(queuePrefix(name) + prefixDLQ + key) }

func dueIdxPrefix(name string) []byte { return []byte(queuePrefix(name) + prefixDue) }

func leaseIdxPrefix(name string) []byte { return []byte(queuePrefix(name) + prefixLeaseIdx) }

// timeIndexKey builds prefix + big-endian ms + key so that a prefix scan
// visits entries in time order.
func timeIndexKey(prefix []byte, ms int64, key string) []byte {
	k := make([]byte, len(prefix)+8+len(key))
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(ms))
	copy(k[len(prefix)+8:], key)
	return k
}

// parseTimeIndexKey is the inverse of timeIndexKey.
func parseTimeIndexKey(prefix, k []byte) (int64, string, bool) {
	if len(k) < len(prefix)+8 {
		return 0, "", false
	}
	ms := int64(binary.BigEndian.Uint64(k[len(prefix):]))
	return ms, string(k[len(prefix)+8:]), true
}
