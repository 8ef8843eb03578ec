// Package id provides 128-bit identifiers that sort by creation time.
//
// Delta IDs are drawn from a Generator seeded with the poll timestamp, so
// byte order equals enqueue order within a process and survives restarts as
// long as the wall clock does not jump backwards by more than the downtime.
package id
