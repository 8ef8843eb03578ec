// Package client provides the `pushhub` client commands.
//
// The commands talk to a running hub: subscribe, publish and poll go through
// the HTTP protocol endpoints, health through the gRPC health service.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc; the standalone binary reads PUSHHUB_HTTP
// (default http://127.0.0.1:8080). The gRPC address is read from
// PUSHHUB_GRPC (default 127.0.0.1:9090).
//
// Usage
//
//	pushhub subscribe --topic https://example.com/feed --callback https://me.example/cb
//	pushhub subscribe --topic https://example.com/feed --token my-mailbox
//	pushhub publish https://example.com/feed
//	pushhub poll --token my-mailbox --max 50 --ack
//	pushhub topic https://example.com/feed
//	pushhub abandoned --since 2026-01-01T00:00:00Z
//	pushhub health
package client
