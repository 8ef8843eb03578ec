// Package runtime wires storage, config and every hub component into a
// single-node instance. Open builds the stores, queues and engines; Run
// starts the background workers; CheckHealth backs the health endpoints.
//
// Example:
//
//	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	go rt.Run(ctx)
package runtime
