package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/compose-network/stage-orchestrator/cmd/stage-orchestrator/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "stage-orchestrator",
		Short: "ZK proof stage orchestrator",
		Long:  "Control-plane for a distributed zero-knowledge proof generation service: accepts proof requests, dispatches split/prove/aggregate/final sub-tasks across a worker fleet, and persists job state for crash recovery and client polling.",
		RunE:  runApp,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configDumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Load config.yaml, apply flag/env overrides, and print the result as YAML",
		RunE:  runConfigDump,
	}
)

// Version, BuildTime, and GitCommit are set by the release build via
// -ldflags; for local builds Version is "dev" and the other two are
// "unknown".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	rootCmd.AddCommand(versionCmd)
	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "enable pretty logging")
	rootCmd.PersistentFlags().String("listen-addr", "", "Front Service HTTP listen address")
	rootCmd.PersistentFlags().String("base-dir", "", "Artifact Store base directory")
}

func runApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	log := newLogger(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("go_version", runtime.Version()).
		Msg("stage-orchestrator starting")

	log.Info().
		Str("config_file", cfgFile).
		Str("base_dir", cfg.Stage.BaseDir).
		Str("listen_addr", cfg.API.ListenAddr).
		Int("worker_count", len(cfg.Workers.Nodes)).
		Str("log_level", cfg.Log.Level).
		Msg("configuration loaded")

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return app.Run(cmd.Context())
}

// runConfigDump prints the effective, fully-resolved configuration as YAML,
// the same load-then-serialize shape the teacher's local-testing workflow
// client uses for its own YAML-configured runs.
func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runVersion(*cobra.Command, []string) {
	fmt.Printf("stage-orchestrator\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flag("log-level").Changed {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flag("log-pretty").Changed {
		cfg.Log.Pretty, _ = cmd.Flags().GetBool("log-pretty")
	}
	if cmd.Flag("listen-addr").Changed {
		cfg.API.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flag("base-dir").Changed {
		cfg.Stage.BaseDir, _ = cmd.Flags().GetString("base-dir")
	}
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w = os.Stderr
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
