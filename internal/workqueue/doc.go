// Package workqueue implements a durable keyed work queue with lease-based
// delivery.
//
// Each key has at most one Item, so enqueueing the same key again coalesces
// instead of duplicating work. This gives the hub one pending fetch per
// topic, one pending verification per subscription and one retry record per
// (delta, subscription) pair.
//
//   - Lease-based ownership: items are leased to a worker for a duration
//   - Reruns: a key enqueued while leased runs once more after Complete
//   - Delayed delivery: items are held until their ready time
//   - Retry & DLQ: failed items retry after a delay, then move to the DLQ
//
// # Keyspace
//
// All keys are prefixed with wq/{name}/:
//
//	item/{key}                - Item record
//	due_idx/{ready_at_ms}{key} - Ready-time index for dequeue
//	lease_idx/{expires_ms}{key} - Lease expiry index for reclaim
//	dlq/{key}                 - Dead letters
package workqueue
