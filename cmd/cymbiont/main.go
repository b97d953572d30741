// Package main provides the Cymbiont CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cymbiont/cymbiont/pkg/appstate"
	"github.com/cymbiont/cymbiont/pkg/config"
	"github.com/cymbiont/cymbiont/pkg/cymlog"
	"github.com/cymbiont/cymbiont/pkg/wsapi"
)

func main() {
	var (
		configPath   string
		dataDirFlag  string
		importLogseq string
		serverMode   bool
		duration     int
	)

	rootCmd := &cobra.Command{
		Use:   "cymbiont",
		Short: "Cymbiont - a single-user personal knowledge graph engine",
		Long: `Cymbiont maintains a page/block knowledge graph backed by an
embedded write-ahead log, and optionally serves a WebSocket wire protocol
for long-running client sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, dataDirFlag, importLogseq, serverMode, duration)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to cymbiont.yaml")
	rootCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "override backend data directory")
	rootCmd.Flags().StringVar(&importLogseq, "import-logseq", "", "path to a Logseq graph export to import (not yet implemented)")
	rootCmd.Flags().BoolVar(&serverMode, "server", false, "run the WebSocket wire-protocol server")
	rootCmd.Flags().IntVar(&duration, "duration", 0, "stop an otherwise-indefinite --server run after this many seconds (0 = run until signaled)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, dataDirFlag, importLogseq string, serverMode bool, duration int) error {
	mode := cymlog.ModeText
	if serverMode {
		mode = cymlog.ModeJSON
	}
	cymlog.Init(mode, slog.LevelInfo)
	log := cymlog.L()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyDataDirOverride(dataDirFlag); err != nil {
		return fmt.Errorf("applying --data-dir override: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting cymbiont", "config", cfg.String())

	as, err := appstate.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing app state: %w", err)
	}

	if importLogseq != "" {
		log.Warn("--import-logseq is not yet implemented; skipping", "path", importLogseq)
	}

	if !serverMode {
		as.CleanupAndSave()
		return nil
	}

	if duration > 0 && cfg.Development.DefaultDuration == 0 {
		cfg.Development.DefaultDuration = duration
	}

	srvCfg := wsapi.Config{
		Host:            "127.0.0.1",
		Port:            cfg.Backend.Port,
		MaxPortAttempts: cfg.Backend.MaxPortAttempts,
		ServerInfoFile:  cfg.Backend.ServerInfoFile,
	}
	srv := wsapi.New(srvCfg, as)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting wsapi server: %w", err)
	}
	log.Info("wsapi server listening", "port", srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	effectiveDuration := cfg.Development.DefaultDuration
	if duration > 0 {
		effectiveDuration = duration
	}

	if effectiveDuration > 0 {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
		case <-time.After(time.Duration(effectiveDuration) * time.Second):
			log.Info("development default_duration elapsed, shutting down", "seconds", effectiveDuration)
		}
	} else {
		<-sigCh
		log.Info("received shutdown signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("stopping wsapi server: %w", err)
	}

	log.Info("cymbiont stopped gracefully")
	return nil
}
