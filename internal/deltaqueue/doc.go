// Package deltaqueue is the durable, at-least-once queue of deltas awaiting
// dispatch.
//
// Each topic has its own FIFO ordered by a per-topic sequence. The dispatch
// cursor records the last delta whose fan-out completed and never moves
// backwards. A delta stays stored after fan-out while any (delta,
// subscription) delivery is outstanding, and is retired once all of them
// reach a terminal outcome.
package deltaqueue
