package main

import (
	"fmt"
	"os"

	"trustsync/pkg/config"
	"trustsync/pkg/policy"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.3.0"

var (
	configFile string
	verbose    bool
	namespace  string
	actorID    string
	actorRole  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trustsync",
		Short: "Local-first trust registries with witnessed checkpoints",
		Long: `trustsync keeps revocations, federation trust anchors and witnessed
checkpoints in local storage and replicates them to a remote replica.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace override")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "actor id for policy-checked operations")
	rootCmd.PersistentFlags().StringVar(&actorRole, "role", "", "actor role (viewer, member, security, admin)")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		anchorCmd(),
		witnessCmd(),
		checkpointCmd(),
		revokeCmd(),
		keygenCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file, applies TRUSTSYNC_* overrides and
// the --namespace flag, then validates the result.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path, _ = config.FindConfigFile()
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	config.ApplyEnv(cfg)

	if namespace != "" {
		cfg.Namespace = namespace
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// currentActor returns nil when no --actor was given
func currentActor() *policy.Actor {
	if actorID == "" {
		return nil
	}
	return &policy.Actor{ID: actorID, Role: policy.NormalizeRole(actorRole)}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trustsync v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
