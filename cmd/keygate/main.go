package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keygate-io/keygate/internal/server"
	"github.com/keygate-io/keygate/internal/signing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "keygate",
	Short:   "Keygate - licensing backend for self-hosted deployments",
	Long:    `Keygate issues cryptographically-backed license keys, validates them for self-hosted deployments, and reconciles billing lifecycle events into license state.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := server.Run(context.Background(), Version); err != nil {
			log.Fatal().Err(err).Msg("Server exited with error")
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Keygate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing keypair",
	Long:  `Generates a fresh Ed25519 signing keypair. Set the seed as KEYGATE_SIGNING_SEED on the server; publish the public key to deployments that want to pin it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, pub, err := signing.GenerateSeed()
		if err != nil {
			return err
		}
		fmt.Printf("KEYGATE_SIGNING_SEED=%s\n", seed)
		fmt.Printf("public key: %s\n", pub)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
