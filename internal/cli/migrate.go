package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rongwang/shipprep-server/internal/config"
	"github.com/rongwang/shipprep-server/internal/migrations"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// MigrateCmd returns the migrate command
func MigrateCmd() *cobra.Command {
	var layout string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and upgrade the ship store schema",
		Long: `Inspect and upgrade the ship store schema.

Database settings come from the same environment variables (and .env file)
as the server.`,
	}
	cmd.PersistentFlags().StringVar(&layout, "layout", "", "storage layout to operate on (split or wide); defaults to STORAGE_LAYOUT")

	cmd.AddCommand(migrateUpCmd(&layout))
	cmd.AddCommand(migrateStatusCmd(&layout))

	return cmd
}

func migrateUpCmd(layout *string) *cobra.Command {
	var allowReset bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration step",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*layout)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("allow-destructive-reset") {
				cfg.Migration.AllowDestructiveReset = allowReset
			}

			m, closeDB, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := m.Run(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), cfg.Storage.Layout, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowReset, "allow-destructive-reset", false, "drop and recreate an empty store if the schema cannot be repaired")

	return cmd
}

func migrateStatusCmd(layout *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the recorded and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*layout)
			if err != nil {
				return err
			}

			m, closeDB, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			current, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Layout:  %s (%s)\n", cfg.Storage.Layout, cfg.Database.Driver)
			fmt.Fprintf(out, "Version: %d of %d\n", current, m.Latest())

			if current < m.Latest() {
				fmt.Fprintf(out, "Status:  %s\n", color.New(color.FgYellow).Sprintf("%d step(s) pending", m.Latest()-current))
				return nil
			}
			if err := m.Validate(ctx); err != nil {
				fmt.Fprintf(out, "Status:  %s (%v)\n", color.New(color.FgRed).Sprint("INVALID"), err)
				return nil
			}
			fmt.Fprintf(out, "Status:  %s\n", color.New(color.FgGreen).Sprint("up to date"))
			return nil
		},
	}
}

func loadConfig(layout string) (*config.Config, error) {
	cfg := config.LoadConfig()
	if layout != "" {
		cfg.Storage.Layout = layout
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openManager(cfg *config.Config) (*migrations.Manager, func(), error) {
	db, err := config.OpenDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	m, err := migrations.NewManager(db, cfg.Schema(), utils.NopLogger(), migrations.Options{
		AllowDestructiveReset: cfg.Migration.AllowDestructiveReset,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return m, func() { _ = db.Close() }, nil
}

func printResult(out io.Writer, layout string, res *migrations.Result) {
	if len(res.Applied) == 0 && len(res.Skipped) == 0 && !res.Reset {
		fmt.Fprintf(out, "%s %s schema already at version %d\n", color.New(color.FgGreen).Sprint("✓"), layout, res.ToVersion)
		return
	}

	if res.Reset {
		fmt.Fprintf(out, "%s store was dropped and recreated empty\n", color.New(color.FgRed).Sprint("RESET"))
	}
	for _, name := range res.Applied {
		fmt.Fprintf(out, "  %s %s\n", color.New(color.FgGreen).Sprint("APPLIED"), name)
	}
	for _, name := range res.Skipped {
		fmt.Fprintf(out, "  %s %s\n", color.New(color.FgYellow).Sprint("SKIPPED"), name)
	}
	fmt.Fprintf(out, "%s schema migrated from version %d to %d\n", layout, res.FromVersion, res.ToVersion)
}
