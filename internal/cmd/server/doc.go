// Package serverrun exposes the Run entrypoint used by the CLI to start the
// hub: background workers, the HTTP endpoints and the gRPC health service,
// handling lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{ConfigPath: "pushhub.yaml", HTTPAddr: ":8080"}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
