package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"runtimed/internal/config"
	"runtimed/internal/httpapi"
	"runtimed/internal/runtime"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		flags      config.Config
	)

	root := &cobra.Command{
		Use:           "runtimed",
		Short:         "On-device model runtime daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			applyOverrides(&cfg, flags, cmd)
			return serveDaemon(cfg)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "Config file (.yaml, .json or .toml)")
	serve.Flags().StringVar(&flags.Addr, "addr", "", "HTTP listen address, e.g. :8080")
	serve.Flags().StringVar(&flags.ModelsDir, "models-dir", "", "Directory holding model files and artifacts")
	serve.Flags().Int64Var(&flags.MemoryBudgetMB, "memory-budget-mb", 0, "Memory ceiling in MB for loaded models (0=unlimited)")
	serve.Flags().Int64Var(&flags.MemoryMarginMB, "memory-margin-mb", 0, "Reserved memory margin in MB to keep free")
	serve.Flags().Int64Var(&flags.StorageQuotaMB, "storage-quota-mb", 0, "Artifact storage quota in MB (0=unlimited)")
	serve.Flags().IntVar(&flags.MaxQueueDepth, "max-queue-depth", 0, "Per-model queued request limit")
	serve.Flags().IntVar(&flags.MaxWaitMS, "max-wait-ms", 0, "Per-model queue wait budget in milliseconds")
	serve.Flags().IntVar(&flags.DrainTimeoutMS, "drain-timeout-ms", 0, "Graceful shutdown drain budget in milliseconds")
	serve.Flags().StringVar(&flags.DefaultLLM, "default-llm", "", "Default model id for generation")
	serve.Flags().StringVar(&flags.DefaultSTT, "default-stt", "", "Default model id for transcription")
	serve.Flags().StringVar(&flags.DefaultTTS, "default-tts", "", "Default model id for synthesis")
	serve.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.AddCommand(serve)

	return root
}

// applyOverrides lets flags win over the config file, but only when the
// operator actually set them.
func applyOverrides(cfg *config.Config, flags config.Config, cmd *cobra.Command) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("addr") {
		cfg.Addr = flags.Addr
	}
	if set("models-dir") {
		cfg.ModelsDir = flags.ModelsDir
	}
	if set("memory-budget-mb") {
		cfg.MemoryBudgetMB = flags.MemoryBudgetMB
	}
	if set("memory-margin-mb") {
		cfg.MemoryMarginMB = flags.MemoryMarginMB
	}
	if set("storage-quota-mb") {
		cfg.StorageQuotaMB = flags.StorageQuotaMB
	}
	if set("max-queue-depth") {
		cfg.MaxQueueDepth = flags.MaxQueueDepth
	}
	if set("max-wait-ms") {
		cfg.MaxWaitMS = flags.MaxWaitMS
	}
	if set("drain-timeout-ms") {
		cfg.DrainTimeoutMS = flags.DrainTimeoutMS
	}
	if set("default-llm") {
		cfg.DefaultLLM = flags.DefaultLLM
	}
	if set("default-stt") {
		cfg.DefaultSTT = flags.DefaultSTT
	}
	if set("default-tts") {
		cfg.DefaultTTS = flags.DefaultTTS
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func serveDaemon(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	rt, err := runtime.Initialize(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	httpapi.SetLogger(log)
	srv := &http.Server{Addr: addrOrDefault(cfg.Addr), Handler: httpapi.NewMux(rt)}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("runtimed listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	drain := time.Duration(cfg.DrainTimeoutMS) * time.Millisecond
	if drain <= 0 {
		drain = time.Duration(config.DefaultDrainTimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	return nil
}

func addrOrDefault(addr string) string {
	if addr == "" {
		return config.DefaultAddr
	}
	return addr
}
