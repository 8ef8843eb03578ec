package client

import (
	"github.com/spf13/cobra"
)

// AddCommands registers the client command set on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewSubscribeCommand(baseURL),
		NewUnsubscribeCommand(baseURL),
		NewPublishCommand(baseURL),
		NewPollCommand(baseURL),
		NewTopicCommand(baseURL),
		NewAbandonedCommand(baseURL),
		NewHealthCommand(),
	)
}
