// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stacklok/demobroker/pkg/config"
	"github.com/stacklok/demobroker/pkg/invite"
	"github.com/stacklok/demobroker/pkg/ratelimit"
)

func newInviteCommand() *cobra.Command {
	inviteCmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage demo invite links",
	}
	inviteCmd.AddCommand(newInviteGenerateCommand())
	inviteCmd.AddCommand(newInviteListCommand())
	inviteCmd.AddCommand(newInviteInfoCommand())
	inviteCmd.AddCommand(newInviteRevokeCommand())
	return inviteCmd
}

// inviteStore builds an invite store from the CLI config. The failure
// window is required by the store API but irrelevant for operator commands.
func inviteStore(cmd *cobra.Command) (*invite.Store, func(), error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(cmd.Context()).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("KV store unreachable: %w", err)
	}

	failures := ratelimit.NewWindow(cfg.RateLimits.InviteFailuresPerHour, time.Hour)
	store := invite.NewStore(client, cfg.AuditRetention, failures)
	return store, func() { _ = client.Close() }, nil
}

func newInviteGenerateCommand() *cobra.Command {
	var (
		expires string
		maxUses int
		label   string
		token   string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new invite link token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expiresIn, err := parseExpiry(expires)
			if err != nil {
				return err
			}

			store, cleanup, err := inviteStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			hostname, _ := os.Hostname()
			inv, err := store.Generate(cmd.Context(), invite.GenerateOptions{
				ExpiresIn: expiresIn,
				MaxUses:   maxUses,
				Label:     label,
				CreatedBy: hostname,
				Token:     token,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Invite token: %s\n", inv.Token)
			fmt.Printf("Expires:      %s\n", inv.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("Max uses:     %d\n", inv.MaxUses)
			if inv.Label != "" {
				fmt.Printf("Label:        %s\n", inv.Label)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&expires, "expires", "48h", "Invite lifetime: <n>m, <n>h, <n>d or <n>w")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "How many sessions the invite admits")
	cmd.Flags().StringVar(&label, "label", "", "Free-form label for the invite")
	cmd.Flags().StringVar(&token, "token", "", "Vanity token instead of a random one (fails if taken)")
	return cmd
}

func newInviteListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := inviteStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			invites, err := store.List(cmd.Context(), invite.Status(status))
			if err != nil {
				return err
			}
			if len(invites) == 0 {
				fmt.Println("No invites found.")
				return nil
			}
			return renderInviteTable(invites)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, used, expired or revoked")
	return cmd
}

func renderInviteTable(invites []*invite.Invite) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Token", "Status", "Uses", "Expires", "Label"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(5, tw.AlignLeft)),
	)

	for _, inv := range invites {
		if err := table.Append([]string{
			inv.Token,
			string(inv.Status),
			fmt.Sprintf("%d/%d", inv.UseCount, inv.MaxUses),
			inv.ExpiresAt.Format(time.RFC3339),
			inv.Label,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newInviteInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <token>",
		Short: "Show an invite including its session audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := inviteStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			inv, err := store.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Token:     %s\n", inv.Token)
			fmt.Printf("Status:    %s\n", inv.Status)
			fmt.Printf("Created:   %s\n", inv.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Expires:   %s\n", inv.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("Uses:      %d/%d\n", inv.UseCount, inv.MaxUses)
			if inv.Label != "" {
				fmt.Printf("Label:     %s\n", inv.Label)
			}
			if inv.CreatedBy != "" {
				fmt.Printf("Created by: %s\n", inv.CreatedBy)
			}

			if len(inv.Audit) == 0 {
				fmt.Println("\nNo sessions recorded.")
				return nil
			}
			fmt.Printf("\nSessions:\n")
			for _, usage := range inv.Audit {
				fmt.Printf("  %s  %s -> %s  end=%s  wait=%dms  addr=%s\n",
					usage.SessionID,
					usage.StartedAt.Format(time.RFC3339),
					usage.EndedAt.Format(time.RFC3339),
					usage.EndReason,
					usage.QueueWaitMS,
					usage.RemoteAddr,
				)
				for _, errMsg := range usage.Errors {
					fmt.Printf("    error: %s\n", errMsg)
				}
			}
			return nil
		},
	}
}

func newInviteRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke an invite so it can no longer be used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := inviteStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Invite %s revoked.\n", args[0])
			return nil
		},
	}
}
