// Package retry turns configured retry limits into backoff schedules for
// fetches, verifications and deliveries.
package retry
