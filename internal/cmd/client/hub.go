package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/pushhub/internal/cmd/client/transports"
)

// NewSubscribeCommand constructs the `subscribe` command.
func NewSubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	return newSubscriptionCommand("subscribe", "Subscribe a callback or token to topics", baseURL)
}

// NewUnsubscribeCommand constructs the `unsubscribe` command.
func NewUnsubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	return newSubscriptionCommand("unsubscribe", "Remove a subscription", baseURL)
}

func newSubscriptionCommand(mode, short string, baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   mode + " --topic URL (--callback URL | --token TOKEN)",
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topics, _ := cmd.Flags().GetStringArray("topic")
			callback, _ := cmd.Flags().GetString("callback")
			token, _ := cmd.Flags().GetString("token")
			verify, _ := cmd.Flags().GetStringSlice("verify")
			verifyToken, _ := cmd.Flags().GetString("verify-token")
			lease, _ := cmd.Flags().GetInt("lease-seconds")
			big, _ := cmd.Flags().GetBool("big")
			mixed, _ := cmd.Flags().GetBool("mixed")
			if len(topics) == 0 {
				return errors.New("at least one --topic is required")
			}
			if (callback == "") == (token == "") {
				return errors.New("exactly one of --callback or --token is required")
			}
			status, err := httpTransport(baseURL).Subscribe(cmd.Context(), transports.SubscribeRequest{
				Mode:         mode,
				Callback:     callback,
				Token:        token,
				Topics:       topics,
				Verify:       verify,
				VerifyToken:  verifyToken,
				LeaseSeconds: lease,
				Big:          big,
				Mixed:        mixed,
			})
			if err != nil {
				return err
			}
			switch status {
			case http.StatusAccepted:
				fmt.Fprintln(cmd.OutOrStdout(), "status: accepted, verification pending")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "status: verified")
			}
			return nil
		},
	}
	cmd.Flags().StringArray("topic", nil, "Topic URL (repeatable)")
	cmd.Flags().String("callback", "", "Callback URL")
	cmd.Flags().String("token", "", "Mailbox token instead of a callback")
	cmd.Flags().StringSlice("verify", []string{"sync", "async"}, "Verification modes in order of preference")
	cmd.Flags().String("verify-token", "", "Opaque token echoed on verification")
	cmd.Flags().Int("lease-seconds", 0, "Requested lease (0 = hub default)")
	cmd.Flags().Bool("big", false, "Serialize deliveries to this callback")
	cmd.Flags().Bool("mixed", false, "Accept notifications mixing several topics")
	return cmd
}

// NewPublishCommand constructs the `publish` command.
func NewPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "publish URL [URL...]",
		Short: "Notify the hub that topics changed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := httpTransport(baseURL).Publish(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status: accepted")
			return nil
		},
	}
}

// NewPollCommand constructs the `poll` command. Each pending notification
// is printed as one JSON line; --ack deletes what was printed.
func NewPollCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll --token TOKEN",
		Short: "Read pending notifications of a token subscriber",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, _ := cmd.Flags().GetString("token")
			max, _ := cmd.Flags().GetInt("max")
			ack, _ := cmd.Flags().GetBool("ack")
			if token == "" {
				return errors.New("--token is required")
			}
			t := httpTransport(baseURL)
			msgs, err := t.Poll(cmd.Context(), token, max)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				_ = enc.Encode(m)
				ids = append(ids, m.ID)
			}
			if !ack || len(ids) == 0 {
				return nil
			}
			n, err := t.Ack(cmd.Context(), token, ids)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "acked:", n)
			return nil
		},
	}
	cmd.Flags().String("token", "", "Mailbox token")
	cmd.Flags().Int("max", 0, "Maximum notifications to fetch (0 = hub default)")
	cmd.Flags().Bool("ack", false, "Acknowledge the printed notifications")
	return cmd
}

// NewTopicCommand constructs the `topic` command.
func NewTopicCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "topic URL",
		Short: "Show topic stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := httpTransport(baseURL).TopicStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

// NewAbandonedCommand constructs the `abandoned` command.
func NewAbandonedCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List deliveries that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, _ := cmd.Flags().GetString("since")
			limit, _ := cmd.Flags().GetInt("limit")
			var from time.Time
			if since != "" {
				if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
					from = time.UnixMilli(ms)
				} else if t, err := time.Parse(time.RFC3339, since); err == nil {
					from = t
				} else {
					return fmt.Errorf("invalid --since; expected ms or RFC3339")
				}
			}
			b, err := httpTransport(baseURL).Abandoned(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().String("since", "", "Only entries at or after: RFC3339 or ms")
	cmd.Flags().Int("limit", 0, "Maximum entries (0 = hub default)")
	return cmd
}

// NewHealthCommand constructs the `health` command, which queries the gRPC
// health service.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check hub health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			status, err := transports.NewGrpcHealth(dialGRPCContext).Check(cmd.Context(), service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", status)
			if status != "SERVING" {
				return fmt.Errorf("hub is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().String("service", "", "Health service name (empty = whole server)")
	return cmd
}
