// Package hub holds the types shared by every pushhub component: topics,
// subscriptions, deltas, the error taxonomy and URL canonicalization.
package hub
