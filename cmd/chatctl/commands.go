package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/spf13/cobra"
)

var (
	sendScope string
	sendNonce string
	sendID    string

	historyBefore string
	historyLimit  int

	outboxLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			printStatus(cmd.OutOrStdout(), resp)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <dm|channel> <target> <text...>",
	Short: "Send a message",
	Long:  "Send a message. A failed send stays in the outbox and is retried by the daemon.",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := chat.ParseKind(args[0]); err != nil {
			return err
		}
		req := &api.SendMessageRequest{
			Kind:     args[0],
			TargetID: args[1],
			Content:  strings.Join(args[2:], " "),
			ScopeID:  sendScope,
			Nonce:    sendNonce,
			ClientID: sendID,
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			printMessage(cmd.OutOrStdout(), resp.Message)
			if resp.Error != "" {
				return fmt.Errorf("not delivered, queued for retry: %s", resp.Error)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <dm|channel> <target>",
	Short: "Show a page of conversation history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := chat.ParseKind(args[0]); err != nil {
			return err
		}
		req := &api.ListMessagesRequest{
			Kind:     args[0],
			TargetID: args[1],
			Before:   historyBefore,
			Limit:    historyLimit,
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			printHistory(cmd.OutOrStdout(), resp)
			return nil
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued sends",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued sends, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListOutbox(ctx, outboxLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			printOutbox(cmd.OutOrStdout(), resp.Entries)
			return nil
		})
	},
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued send",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ClearOutbox(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queued message(s).\n", resp.Removed)
			return nil
		})
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <client_id>",
	Short: "Redeliver one queued send now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.RetryOutbox(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			printMessage(cmd.OutOrStdout(), resp.Message)
			if resp.Error != "" {
				return fmt.Errorf("retry failed: %s", resp.Error)
			}
			return nil
		})
	},
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <message_id> <delivered|read>",
	Short: "Apply a delivery or read receipt to a cached message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := chat.ParseStatus(args[1]); err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.UpdateStatus(ctx, args[0], args[1]); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			}
			return nil
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendScope, "scope", "", "server scope id for channel sends")
	sendCmd.Flags().StringVar(&sendNonce, "nonce", "", "opaque nonce passed to the server")
	sendCmd.Flags().StringVar(&sendID, "client-id", "", "client id (generated when empty)")

	historyCmd.Flags().StringVar(&historyBefore, "before", "", "only messages older than this message id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "page size (1-200, default from config)")

	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 0, "maximum entries (0 = all)")

	outboxCmd.AddCommand(outboxListCmd, outboxClearCmd, outboxRetryCmd)
}
