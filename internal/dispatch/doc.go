// Package dispatch drains the delta queue and delivers notifications.
//
// For each ready topic the dispatcher takes the topic lease, walks the
// delta at the head of the queue over the topic's active subscribers page by
// page, and hands each subscriber one delivery:
//
//   - callback subscribers get an inline POST; failures move to the durable
//     delivery retry queue,
//   - token subscribers get the rendered notification stored in their
//     mailbox,
//   - big subscribers get the delta appended to a per-callback pending list
//     drained by a single goroutine, so at most one delivery is in flight.
//
// A delta is retired once its fan-out is done and no delivery for it is
// outstanding.
package dispatch
