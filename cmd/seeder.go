package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed field access rules",
	Long: `Replace the stored field access rules with the built-in entity overrides,
or with the rules exported to --file.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, lg := mustLoad()
		ctx := context.Background()

		deps, err := initializeDependencies(ctx, cfg, lg)
		if err != nil {
			lg.Error("failed to initialize dependencies", "error", err)
			os.Exit(1)
		}
		defer deps.Close()

		rules := fieldaccess.DefaultRuleSet(time.Now().UTC())
		if seedFile != "" {
			raw, err := os.ReadFile(seedFile)
			if err != nil {
				lg.Error("failed to read rules file", "file", seedFile, "error", err)
				os.Exit(1)
			}
			parsed, appErr := fieldaccess.ParseRulesImport(raw)
			if appErr != nil {
				lg.Error("rules file is not a valid export", "file", seedFile, "error", appErr)
				os.Exit(1)
			}
			rules = parsed
		}

		res, err := deps.FieldAccess.ImportRules(ctx, rules, "seed")
		if err != nil {
			lg.Error("failed to seed rules", "error", err)
			os.Exit(1)
		}
		lg.Info("seeded field access rules", "count", res.Imported)
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "rules export to import instead of the defaults")
}
