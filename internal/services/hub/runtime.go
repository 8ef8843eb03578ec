package hub

import (
	"github.com/rzbill/pushhub/internal/runtime"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// FromRuntime builds a Service over the components wired by rt.
func FromRuntime(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	return New(Deps{
		Topics:      rt.Topics,
		Subscribers: rt.Subscriptions,
		Verifier:    rt.Verifier,
		Publisher:   rt.Intake,
		Mailbox:     rt.Dispatcher.Mailbox(),
		Ledger:      rt.Dispatcher.Ledger(),
		Backlog:     rt.Deltas,
		Admission:   rt.Policy,
		Health:      rt,
	}, logger)
}
