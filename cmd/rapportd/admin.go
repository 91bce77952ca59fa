package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// withStore opens the configured stores for the duration of fn.
func withStore(cmd *cobra.Command, fn func(s storage.Store) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(st.data)
}

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the account-wide automation switch",
	}
	cmd.AddCommand(accountToggleCmd("enable", true), accountToggleCmd("disable", false))
	return cmd
}

func accountToggleCmd(verb string, on bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <account-id>",
		Short: "Turn automation " + onOff(on) + " for every contact of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s storage.Store) error {
				ctx := cmd.Context()
				a, err := s.GetAccount(ctx, args[0])
				if errors.Is(err, storage.ErrNotFound) {
					a = &types.Account{ID: args[0]}
				} else if err != nil {
					return err
				}
				a.AutomationEnabled = on
				if err := s.SaveAccount(ctx, a); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "account %s automation_enabled=%t\n", a.ID, on)
				return err
			})
		},
	}
}

func newContactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Inspect contacts and manage their automation switch",
	}
	cmd.AddCommand(contactToggleCmd("enable", true), contactToggleCmd("disable", false), newContactShowCmd())
	return cmd
}

func contactToggleCmd(verb string, on bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <contact-id>",
		Short: "Turn automation " + onOff(on) + " for one contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s storage.Store) error {
				ctx := cmd.Context()
				c, err := s.GetContact(ctx, args[0])
				if err != nil {
					return err
				}
				c.AutomationEnabled = on
				if err := s.SaveContact(ctx, c); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "contact %s automation_enabled=%t\n", c.ID, on)
				return err
			})
		},
	}
}

func newContactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contact-id>",
		Short: "Print a contact and its remembered facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s storage.Store) error {
				ctx := cmd.Context()
				c, err := s.GetContact(ctx, args[0])
				if err != nil {
					return err
				}
				facts, err := s.LatestFacts(ctx, c.ID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"contact": c, "facts": facts})
			})
		},
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
