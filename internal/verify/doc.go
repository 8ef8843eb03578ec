// Package verify runs the subscribe/unsubscribe handshake. A subscription
// becomes active only after its callback answers the verification request
// with exactly 204 No Content, either inline (sync) or from the durable
// verify queue (async).
package verify
