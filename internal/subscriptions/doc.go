// Package subscriptions stores (topic, callback) and (topic, token)
// subscriptions. PebbleStore is the embedded default; PostgresStore backs
// deployments that keep subscriber state in a shared database.
package subscriptions
