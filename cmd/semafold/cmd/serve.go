package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semafold/semafold/internal/config"
	"github.com/semafold/semafold/internal/daemon"
	"github.com/semafold/semafold/internal/logging"
)

var (
	flagConfig string
	flagRoot   string
	flagListen string
	flagDebug  bool
)

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&flagRoot, "root", "", "Directory to manage (default: current directory)")
	cmd.Flags().StringVar(&flagListen, "listen", "", "HTTP API listen address")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the semafold daemon",
		Long: `Start watching the root directory, ingest its documents, and serve
the HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	addServeFlags(cmd)
	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	if flagDebug {
		logCfg.Level = "debug"
	}
	logCfg.FilePath = cfg.Log.File
	if logCfg.FilePath == "" {
		logCfg.FilePath = filepath.Join(cfg.MetadataDir(), "semafold.log")
	}
	if err := os.MkdirAll(cfg.MetadataDir(), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		if _, err := os.Stat("semafold.yaml"); err == nil {
			path = "semafold.yaml"
		}
	}

	if flagRoot != "" {
		os.Setenv("SEMAFOLD_ROOT", flagRoot)
	}
	if flagListen != "" {
		os.Setenv("SEMAFOLD_LISTEN", flagListen)
	}

	cfg, err := config.Load(path)
	if err != nil && cfg.Root == "" && flagRoot == "" {
		// Default to the current directory when nothing names a root.
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return cfg, err
		}
		os.Setenv("SEMAFOLD_ROOT", wd)
		defer os.Unsetenv("SEMAFOLD_ROOT")
		return config.Load(path)
	}
	return cfg, err
}
