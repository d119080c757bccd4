// Command ledgerctl runs remittance ledger operations from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/app"
	"github.com/mcclellann/remitledger/pkg/config"
	"github.com/mcclellann/remitledger/pkg/ingest"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cli struct {
	configFile string
	log        *logrus.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{log: logging.New("info", "text")}

	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the organization remittance ledger.",
		Long:         `ledgerctl ingests remittances, applies and reverses them, and reports organization balances.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Config file (default searches ./config.yaml)")

	root.AddCommand(
		c.migrateCmd(),
		c.ingestCmd(),
		c.applyCmd(),
		c.reverseCmd(),
		c.summaryCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(c.configFile, c.log)
	if err != nil {
		return nil, err
	}
	c.log = logging.New(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// withApp loads configuration, opens the ledger and runs fn against it.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, c.log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return id, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			s, err := app.OpenStorage(cmd.Context(), cfg, c.log)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func (c *cli) ingestCmd() *cobra.Command {
	var file, reportFile string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest and apply remittances from a CSV file",
		Long: `Reads organization_id,reference,amount,paid_at,narration,sender_name rows.
Every row is ingested independently; failures are listed in the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				report, err := ingest.NewImporter(a.Ledger, c.log).ImportFile(cmd.Context(), file)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if reportFile != "" {
					f, err := os.Create(reportFile)
					if err != nil {
						return fmt.Errorf("error creating report file: %w", err)
					}
					defer f.Close()
					out = f
				}
				if err := report.WriteCSV(out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d ingested, %d failed\n", report.Succeeded, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file to ingest")
	cmd.Flags().StringVarP(&reportFile, "report", "r", "", "Write the per-row report here instead of stdout")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a stored transaction to unpaid installments",
		RunE: func(cmd *cobra.Command, args []string) error {
			txID, err := parseIDFlag(cmd, "tx")
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Ledger.ApplyInboundTransaction(cmd.Context(), txID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().String("tx", "", "Transaction ID")
	cmd.MarkFlagRequired("tx")
	return cmd
}

func (c *cli) reverseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reverse",
		Short: "Reverse every allocation of a transaction and mark it disputed",
		RunE: func(cmd *cobra.Command, args []string) error {
			txID, err := parseIDFlag(cmd, "tx")
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Ledger.ReverseInboundTransaction(cmd.Context(), txID, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().String("tx", "", "Transaction ID")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the transaction is reversed")
	cmd.MarkFlagRequired("tx")
	return cmd
}

func (c *cli) summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show an organization's remitted, applied and outstanding totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := parseIDFlag(cmd, "org")
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				summary, err := a.Ledger.OrganizationSummary(cmd.Context(), orgID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().String("org", "", "Organization ID")
	cmd.MarkFlagRequired("org")
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
