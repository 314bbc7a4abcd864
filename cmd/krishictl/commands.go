package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/krishi/internal/db"
	"github.com/garnizeh/krishi/internal/store"
)

type backuper interface {
	BackupTo(ctx context.Context, dst string) error
}

type restorer interface {
	RestoreFrom(ctx context.Context, src string) error
}

func newBackendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Print the persistence backend the configuration selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(st *store.Store) error {
				if err := st.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("ping %s: %w", st.Backend(), err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), st.Backend())
				return nil
			})
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the relational schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if db.NormalizeDescriptor(cfg.Store.DatabaseURL) == "" {
				return errors.New("migrate requires a database_url; the flat-file store has no schema")
			}
			// Opening a relational backend applies pending migrations.
			backend, err := store.OpenBackend(cmd.Context(), cfg.Store, ctx.logger(cmd))
			if err != nil {
				return err
			}
			defer backend.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %s\n", backend.Name(), db.SchemaVersion)
			return nil
		},
	}
}

func newBackupCommand(ctx *commandContext) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent copy of the store",
		Long: "Write a consistent copy of the store. The flat-file store is copied into the --out directory;\n" +
			"a sqlite database is written to the --out file, which must not exist yet.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(st *store.Store) error {
				b, ok := st.Unwrap().(backuper)
				if !ok {
					return fmt.Errorf("backend %s does not support backup", st.Backend())
				}
				if err := b.BackupTo(cmd.Context(), out); err != nil {
					return fmt.Errorf("backup %s: %w", st.Backend(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup of %s written to %s\n", st.Backend(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Backup destination")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newRestoreCommand(ctx *commandContext) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the flat-file store with a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(st *store.Store) error {
				r, ok := st.Unwrap().(restorer)
				if !ok {
					return fmt.Errorf("backend %s does not support restore", st.Backend())
				}
				if err := r.RestoreFrom(cmd.Context(), from); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", st.Backend(), from)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Directory written by backup")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newAccountsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts",
	}

	var username, pw, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var emailPtr *string
			if email != "" {
				emailPtr = &email
			}
			return ctx.withStore(cmd, func(st *store.Store) error {
				a, err := st.CreateAccount(cmd.Context(), username, pw, emailPtr)
				if err != nil {
					return fmt.Errorf("create account %q: %w", username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created account %d (%s)\n", a.ID, a.Username)
				return nil
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "Account username")
	create.Flags().StringVar(&pw, "password", "", "Account password")
	create.Flags().StringVar(&email, "email", "", "Optional contact email")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}

func newAnalysesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyses",
		Short: "Inspect saved analyses",
	}

	var accountID int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List an account's analyses, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(st *store.Store) error {
				items := st.ListAnalyses(cmd.Context(), accountID, limit)
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No analyses")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, a := range items {
					image := ""
					if a.ImagePath != nil {
						image = *a.ImagePath
					}
					result, err := json.Marshal(a.Result)
					if err != nil {
						return fmt.Errorf("encode analysis %d: %w", a.ID, err)
					}
					rows = append(rows, []string{
						strconv.FormatInt(a.ID, 10),
						string(a.Kind),
						image,
						a.CreatedAt.Local().Format(time.DateTime),
						truncate(string(result), 60),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Kind", "Image", "Created", "Result"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	list.Flags().Int64Var(&accountID, "account", 0, "Account id")
	list.Flags().IntVar(&limit, "limit", 10, "Maximum rows to show (0 for all)")
	_ = list.MarkFlagRequired("account")

	cmd.AddCommand(list)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
