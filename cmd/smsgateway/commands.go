package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/runtime"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/internal/config"
	"github.com/tune23wb/sms-panel/internal/platform/migrations"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "smsgateway",
		Short:         "Outbound SMS gateway over SMPP with a prepaid ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newRecoverCmd(load),
		newAccountCmd(load),
	)
	return rootCmd
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			application, err := runtime.NewApplication(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runErr := application.Run(ctx)
			stop()
			shutdownErr := application.Shutdown(context.Background())
			return errors.Join(runErr, shutdownErr)
		},
	}
}

func newMigrateCmd(load configLoader) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (negative --steps rolls back)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := runtime.OpenDatabase(cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := migrations.Migrate(db, steps); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply; 0 applies all")
	return cmd
}

func newRecoverCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve stale PENDING and SENT messages once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := runtime.NewLogger(cfg.Logging)
			stores, db, err := runtime.OpenStores(cfg, log)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}

			reconciler := billing.New(stores.Ledger, billing.Config{
				OutcomePolicy:   cfg.Delivery.OutcomePolicy,
				StaleAfter:      cfg.Ledger.StaleAfter,
				ConflictRetries: cfg.Ledger.ConflictRetries,
				RecoveryBatch:   cfg.Ledger.RecoveryBatch,
			}, log.WithComponent("recovery"))
			report, err := reconciler.Recover(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newAccountCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create and top up prepaid accounts",
	}

	var balance int64
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an account with an opening balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			accounts, closeFn, err := openAccounts(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			acct, err := accounts.CreateAccount(cmd.Context(), ledger.Account{ID: args[0], Balance: balance})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
	create.Flags().Int64Var(&balance, "balance", 0, "opening balance in minor currency units")

	var amount int64
	var reason string
	credit := &cobra.Command{
		Use:   "credit <id>",
		Short: "Add funds to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			accounts, closeFn, err := openAccounts(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			acct, err := accounts.Credit(cmd.Context(), args[0], amount, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
	credit.Flags().Int64Var(&amount, "amount", 0, "amount in minor currency units")
	credit.Flags().StringVar(&reason, "reason", "top-up", "reason recorded on the credit transaction")

	cmd.AddCommand(create, credit)
	return cmd
}

func openAccounts(cfg *config.Config) (storage.AccountStore, func(), error) {
	if strings.EqualFold(cfg.Database.Driver, "memory") {
		return nil, nil, errors.New("account commands need a persistent database driver")
	}
	stores, db, err := runtime.OpenStores(cfg, runtime.NewLogger(cfg.Logging))
	if err != nil {
		return nil, nil, err
	}
	return stores.Accounts, func() { db.Close() }, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
