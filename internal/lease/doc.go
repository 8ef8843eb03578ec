// Package lease implements expiring, owner-tagged leases over named
// resources. The fetch engine and the dispatcher both take the per-topic
// lease so that at most one worker mutates a topic's digest cache or fans
// out its deltas at a time.
package lease
