// Package export mirrors every enqueued delta to an AMQP exchange so
// downstream consumers can observe hub traffic without subscribing.
package export
