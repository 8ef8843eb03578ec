package metrics

import "time"

// Recorder receives hub instrumentation. Every method must be safe for
// concurrent use.
type Recorder interface {
	// Publish intake
	PublishReceived(outcome string)

	// Fetch & diff
	FetchCompleted(outcome string, d time.Duration)
	DeltaEnqueued(newEntries int)

	// Verification
	VerificationCompleted(mode, outcome string)

	// Dispatch
	DeliveryAttempted(kind, outcome string, d time.Duration)
	DeliveryAbandoned()
	BigSubscriberPending(delta int)

	// Topic leases
	LeaseContention(owner string)

	// Work queues (workqueue.Metrics)
	ObserveEnqueue(queue string, coalesced bool)
	ObserveDeadLetter(queue string)

	// Storage (pebblestore.MetricsHook)
	ObserveWrite(d time.Duration, bytes int)
	ObserveRead(d time.Duration, bytes int)
	ObserveBatchCommit(d time.Duration, numOps int, bytes int)
}
