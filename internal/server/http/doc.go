// Package httpserver exposes the hub over HTTP: the form-encoded subscribe
// and publish endpoints, the token mailbox, and JSON operational routes.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	svc := hubsvc.FromRuntime(rt, logger)
//	s := httpserver.New(svc, prom.Handler(), logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
