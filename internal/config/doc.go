// Package config provides loading and environment overlay for the hub's
// configuration. It exposes a Default() baseline, Load for JSON or YAML
// files and FromEnv for PUSHHUB_* overrides.
//
// Example:
//
//	cfg, err := config.Load("/etc/pushhub.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
