package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/store"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the credential store",
	}
	cmd.AddCommand(
		newAccountsImportCmd(a),
		newAccountsListCmd(a),
		newAccountsStatsCmd(a),
		newAccountsReactivateCmd(a),
	)
	return cmd
}

// accountsFile is the import format:
//
//	[[accounts]]
//	username = "..."
//	password = "..."
//	shared_secret = "..."
type accountsFile struct {
	Accounts []models.Account `toml:"accounts"`
}

func (a *app) withStore(ctx context.Context, fn func(store.Store) error) error {
	st, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newAccountsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.toml>",
		Short: "Add accounts from a TOML file; existing handles are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read accounts file: %w", err)
			}
			var file accountsFile
			if err := toml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("decode accounts file: %w", err)
			}

			return a.withStore(cmd.Context(), func(st store.Store) error {
				added, skipped := 0, 0
				for i, acc := range file.Accounts {
					if acc.Handle == "" || acc.Secret == "" {
						return fmt.Errorf("account #%d: username and password are required", i+1)
					}
					err := st.AddAccount(cmd.Context(), acc)
					switch {
					case errors.Is(err, store.ErrAccountExists):
						skipped++
						a.log.Debug("account exists", zap.String("handle", acc.Handle))
					case err != nil:
						return fmt.Errorf("add %s: %w", acc.Handle, err)
					default:
						added++
					}
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "imported %d accounts, skipped %d existing\n", added, skipped)
				return err
			})
		},
	}
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st store.Store) error {
				accounts, err := st.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "HANDLE\tOPERATIONAL\tLAST ACTION")
				for _, acc := range accounts {
					last := "never"
					if acc.LastAction != models.NeverActed {
						last = acc.LastActionTime().UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%t\t%s\n", acc.Handle, acc.Operational, last)
				}
				return w.Flush()
			})
		},
	}
}

func newAccountsStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show operational and cooldown counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(st store.Store) error {
				s, err := st.Stats(cmd.Context(), time.Now(), a.cfg.Cooldown)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(),
					"total: %d\noperational: %d\ncooling down: %d\nactions recorded: %d\n",
					s.Total, s.Operational, s.Cooling, s.Actions)
				return err
			})
		},
	}
}

func newAccountsReactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <handle>",
		Short: "Mark an account operational again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st store.Store) error {
				if err := st.Reactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "reactivated %s\n", args[0])
				return err
			})
		},
	}
}
