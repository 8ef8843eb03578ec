// Package scheduler runs the hub's periodic jobs: the poll bootstrap that
// re-fetches subscribed topics, lease and work-queue reclamation, the
// subscription expiry and reconfirmation sweep, and retention purges.
package scheduler
