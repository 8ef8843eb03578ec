// Package hub is the transport-neutral facade over the hub engines. HTTP
// handlers and the CLI call it with already-decoded requests; it validates
// and canonicalizes input, applies topic admission and maps outcomes onto
// the status codes subscribers and publishers expect.
package hub
