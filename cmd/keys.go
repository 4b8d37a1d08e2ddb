package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/fieldguard/internal/keyprovider"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Encryption key management",
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new 32 byte master key as hex",
	Long:  `Print a new master key for the local strategy. Store it in ENCRYPTION_MASTER_KEY; it is never written anywhere else.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyprovider.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var keyHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Build the configured key provider and round trip a data key",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, lg := mustLoad()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		provider, err := keyprovider.New(ctx, keyprovider.Config{
			Strategy:     cfg.Encryption.Strategy,
			MasterKey:    cfg.Encryption.MasterKey,
			KMSKeyID:     cfg.Encryption.KMSKeyID,
			KMSRegion:    cfg.Encryption.KMSRegion,
			KMSEndpoint:  cfg.Encryption.KMSEndpoint,
			EnableTracer: cfg.Encryption.Tracing,
		}, nil)
		if err != nil {
			lg.Error("invalid key provider configuration", "error", err)
			os.Exit(1)
		}

		if !provider.IsEnabled() {
			lg.Info("encryption is disabled", "strategy", provider.Strategy())
			return
		}
		if !provider.HealthCheck(ctx) {
			lg.Error("key provider health check failed", "strategy", provider.Strategy())
			os.Exit(1)
		}
		lg.Info("key provider healthy", "strategy", provider.Strategy())
	},
}

func init() {
	keysCmd.AddCommand(generateKeyCmd)
	keysCmd.AddCommand(keyHealthCmd)
}
