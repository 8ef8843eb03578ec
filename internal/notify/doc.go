// Package notify renders deltas as the Atom documents pushed to subscribers
// or handed out through token mailboxes.
package notify
