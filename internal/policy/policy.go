// Package policy decides whether the hub accepts a topic it has never seen.
package policy

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Mode is the request that surfaced an unknown topic.
type Mode string

const (
	ModeSubscribe Mode = "subscribe"
	ModePublish   Mode = "publish"
)

// Policy admits unsolicited topics. With AcceptUnknown off every unknown
// topic is rejected; with it on, an optional CEL expression narrows what is
// admitted.
//
// The expression sees: url, scheme, host, port, path (strings), mode
// ("subscribe" or "publish") and now_ms (int). Example:
//
//	host.endsWith(".example.com") && scheme == "https"
type Policy struct {
	acceptUnknown bool
	prog          cel.Program
	expr          string
}

// New compiles expr. An empty expression admits everything when
// acceptUnknown is set.
func New(acceptUnknown bool, expr string) (*Policy, error) {
	p := &Policy{acceptUnknown: acceptUnknown, expr: strings.TrimSpace(expr)}
	if p.expr == "" {
		return p, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("url", cel.StringType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("port", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(p.expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse accept expression: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("check accept expression: %w", iss2.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("accept expression must be boolean, got %v", checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	p.prog = prog
	return p, nil
}

// AcceptAll admits every unknown topic.
func AcceptAll() *Policy { return &Policy{acceptUnknown: true} }

// Accepts reports whether an unknown topic at rawURL is admitted. Evaluation
// errors reject.
func (p *Policy) Accepts(rawURL string, mode Mode) bool {
	if p == nil || !p.acceptUnknown {
		return false
	}
	if p.prog == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	out, _, err := p.prog.Eval(map[string]any{
		"url":    rawURL,
		"scheme": u.Scheme,
		"host":   u.Hostname(),
		"port":   u.Port(),
		"path":   u.Path,
		"mode":   string(mode),
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// String describes the policy for logs.
func (p *Policy) String() string {
	switch {
	case p == nil || !p.acceptUnknown:
		return "reject-unknown"
	case p.expr == "":
		return "accept-unknown"
	default:
		return "accept-if(" + p.expr + ")"
	}
}
