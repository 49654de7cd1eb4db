// Command impulsed runs the impulse purchase decision service: a Bayesian
// fast stage plus a retrieval-augmented LLM slow stage over self-refining
// Markdown memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"impulseguard/internal/api"
	"impulseguard/internal/config"
	"impulseguard/internal/embedding"
	"impulseguard/internal/gateway"
	"impulseguard/internal/index"
	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
	"impulseguard/internal/mutator"
	"impulseguard/internal/pipeline"
	"impulseguard/internal/reasoner"
	"impulseguard/internal/scoring"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgPath string
	addr    string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "impulsed",
	Short: "Real-time impulse purchase decision service",
	Long: `impulsed analyzes purchase attempts in two stages: a pure Bayesian
scorer over behavioral telemetry, then a retrieval-augmented LLM judgment
grounded in the user's Markdown memory files.

Run without arguments to start the HTTP service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from the memory files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReindex(cmd.Context())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset all memory files to their templates and purge the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReset()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "impulseguard.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address override")

	rootCmd.AddCommand(serveCmd, reindexCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads, validates, and applies overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Configure(logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// components is everything the service needs at runtime.
type components struct {
	cfg    *config.Config
	store  *memory.Store
	index  *index.Index
	writer *mutator.Mutator
	pipe   *pipeline.Pipeline
}

func assemble(cfg *config.Config) (*components, error) {
	store, err := memory.NewStore(cfg.Memory.Dir)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logger.Warn("embedding engine unavailable, keyword fallback active", zap.Error(err))
		engine = nil
	}

	ix, err := index.New(cfg.Memory.IndexDir, engine)
	if err != nil {
		return nil, err
	}

	// The model is optional at assembly time. A credential failure is fatal
	// only when a credentials path was actually configured.
	var llm mutator.Caller
	if cfg.LLM.CredentialsPath != "" {
		tokens, err := gateway.LoadCredentials(cfg.LLM.CredentialsPath)
		if err != nil {
			return nil, err
		}
		gw, err := gateway.New(cfg.LLM, tokens)
		if err != nil {
			return nil, err
		}
		llm = gw
	} else {
		logger.Warn("no LLM credentials configured, slow stage will serve degraded verdicts")
	}

	baselines := scoring.DefaultBaselines()
	for feature, b := range cfg.Scoring.Baselines {
		baselines[feature] = scoring.Baseline{Mean: b.Mean, Std: b.Std}
	}
	kernel, err := scoring.NewKernel(baselines, cfg.Scoring.WeightProfile, cfg.Scoring.Prior)
	if err != nil {
		return nil, err
	}

	writer := mutator.New(store, ix, llm,
		cfg.Memory.RefinementThreshold,
		cfg.Memory.ConsolidationSizeBytes,
		cfg.Memory.ConsolidationObservations)

	return &components{
		cfg:    cfg,
		store:  store,
		index:  ix,
		writer: writer,
		pipe:   pipeline.New(kernel, store, ix, reasoner.New(llm), writer),
	}, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Boot("Starting %s %s", cfg.Name, cfg.Version)

	c, err := assemble(cfg)
	if err != nil {
		return err
	}
	defer c.index.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.writer.ReindexAll(ctx); err != nil {
		logger.Warn("initial reindex failed", zap.Error(err))
	}

	// Re-sync the index when the memory files are edited out of band
	watcher, err := memory.NewWatcher(c.store.Dir(), func(file string) {
		content, err := c.store.Read(file)
		if err != nil {
			logger.Warn("watcher read failed", zap.String("file", file), zap.Error(err))
			return
		}
		chunks := memory.ChunkMarkdown(content, file)
		if err := c.index.UpsertFile(context.Background(), file, chunks); err != nil {
			logger.Warn("watcher reindex failed", zap.String("file", file), zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("file watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("file watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(cfg, c.pipe, c.store, c.index, c.writer, logger).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runReindex(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := assemble(cfg)
	if err != nil {
		return err
	}
	defer c.index.Close()

	if err := c.writer.ReindexAll(ctx); err != nil {
		return err
	}
	n, err := c.index.Count()
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d chunks from %d memory files\n", n, len(memory.Files))
	return nil
}

func runReset() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := assemble(cfg)
	if err != nil {
		return err
	}
	defer c.index.Close()

	n, err := c.store.Reset()
	if err != nil {
		return err
	}
	if err := c.index.Purge(); err != nil {
		return err
	}
	fmt.Printf("Reset %d memory files and purged the index\n", n)
	return nil
}
