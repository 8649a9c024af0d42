package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sci-proximity",
	Short: "Spatially weighted proximity to cases",
	Long: `Builds social, physical and mobility proximity measures: for every home
entity and time step, the share-weighted sum of a neighbor outcome (cases,
deaths) where shares come from the Social Connectedness Index, inverse
centroid distance or a time-varying mobility exchange index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		f := cmd.Flags()
		if f.Changed("log-level") {
			cfg.Log.Level, _ = f.GetString("log-level")
		}
		if f.Changed("entity-kind") {
			cfg.Input.EntityKind, _ = f.GetString("entity-kind")
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "debug, info, warn or error (default: log.level)")
	pf.String("entity-kind", "", "county, nuts3 or country (default: input.entity_kind)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
