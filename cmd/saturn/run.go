package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/saturn/internal/supervisor"
	"mercator-hq/saturn/pkg/adapters"
	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/kiro"
	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/proxy"
	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/store/filestore"
	"mercator-hq/saturn/pkg/store/redisstore"
	"mercator-hq/saturn/pkg/tasks"
	"mercator-hq/saturn/pkg/telemetry/logging"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/usage"
)

var runFlags struct {
	apiKey            string
	port              int
	host              string
	modelProvider     string
	systemPromptFile  string
	systemPromptMode  string
	logPrompts        string
	promptLogBaseName string
	cronNearMinutes   int
	cronRefreshToken  bool
	providerPoolsFile string
	maxErrorCount     int
	supervise         bool
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&runFlags.apiKey, "api-key", "", "client API key; empty disables auth")
	f.IntVar(&runFlags.port, "port", 0, "listen port")
	f.StringVar(&runFlags.host, "host", "", "listen host")
	f.StringVar(&runFlags.modelProvider, "model-provider", "", "default provider type for every dialect")
	f.StringVar(&runFlags.systemPromptFile, "system-prompt-file", "", "file with the injected system prompt")
	f.StringVar(&runFlags.systemPromptMode, "system-prompt-mode", "", "system prompt mode: override or append")
	f.StringVar(&runFlags.logPrompts, "log-prompts", "", "mirror request prompts: console or file")
	f.StringVar(&runFlags.promptLogBaseName, "prompt-log-base-name", "", "base name for per-day prompt log files")
	f.IntVar(&runFlags.cronNearMinutes, "cron-near-minutes", 0, "near-expiry refresh window in minutes")
	f.BoolVar(&runFlags.cronRefreshToken, "cron-refresh-token", false, "enable the periodic token refresh job")
	f.StringVar(&runFlags.providerPoolsFile, "provider-pools-file", "", "provider pools JSON file")
	f.IntVar(&runFlags.maxErrorCount, "max-error-count", 0, "windowed error threshold before an account is marked unhealthy")
	f.BoolVar(&runFlags.supervise, "supervise", false, "run under a restarting master process")
}

// applyFlagOverrides copies changed flags onto the config. Flags sit above
// environment variables and the file in precedence.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("api-key") {
		cfg.Server.APIKey = runFlags.apiKey
	}
	if f.Changed("port") {
		cfg.Server.Port = runFlags.port
	}
	if f.Changed("host") {
		cfg.Server.Host = runFlags.host
	}
	if f.Changed("model-provider") {
		cfg.Pool.DefaultProvider = runFlags.modelProvider
	}
	if f.Changed("system-prompt-file") {
		cfg.Prompt.SystemPromptFile = runFlags.systemPromptFile
	}
	if f.Changed("system-prompt-mode") {
		cfg.Prompt.SystemPromptMode = runFlags.systemPromptMode
	}
	if f.Changed("log-prompts") {
		cfg.Prompt.LogPrompts = runFlags.logPrompts
	}
	if f.Changed("prompt-log-base-name") {
		cfg.Prompt.LogBaseName = runFlags.promptLogBaseName
	}
	if f.Changed("cron-near-minutes") {
		cfg.Cron.NearExpiryMinutes = runFlags.cronNearMinutes
	}
	if f.Changed("cron-refresh-token") {
		cfg.Cron.RefreshToken = runFlags.cronRefreshToken
	}
	if f.Changed("provider-pools-file") {
		// The file backend keeps the pools JSON inside its data directory.
		cfg.Pool.DataDir = filepath.Dir(runFlags.providerPoolsFile)
	}
	if f.Changed("max-error-count") {
		cfg.Pool.MaxErrorCount = runFlags.maxErrorCount
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if runFlags.supervise && !supervisor.IsWorker() {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return supervisor.New(supervisor.Config{}).Run(ctx, os.Args[1:])
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	logger := logging.Setup(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Replace(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg)
	defer st.Close()

	am, err := adapters.New(st, adapters.Config{
		ProxyURL: cfg.HTTP.ProxyURL,
		Timeout:  cfg.Kiro.APITimeout,
		Kiro: kiro.ClientConfig{
			MaxConns:            cfg.HTTP.MaxConns,
			MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.HTTP.IdleConnTimeout,
		},
	})
	if err != nil {
		return err
	}

	pm, err := pool.New(ctx, st, am, pool.Config{
		MaxErrorCount:         cfg.Pool.MaxErrorCount,
		HealthCooldown:        cfg.Kiro.HealthCooldown,
		ProviderFallbackChain: cfg.Pool.ProviderFallbackChain,
		ProviderModels:        cfg.Pool.ProviderModels,
		ModelFallbackMapping:  poolModelFallbacks(cfg.Pool.ModelFallbackMapping),
		RefreshPerProvider:    cfg.Pool.RefreshPerProvider,
		RefreshGlobal:         cfg.Pool.RefreshGlobal,
		WarmupTarget:          cfg.Pool.WarmupTarget,
	})
	if err != nil {
		return err
	}
	defer pm.Close()

	dumper := kiro.NewDumper(cfg.Debug.Dir, cfg.Debug.DumpAll, cfg.Debug.DumpErrors)
	kh := kiro.NewHandler(st, pm, am.KiroClient(), dumper, kiro.HandlerConfig{
		MaxRetries:      cfg.Kiro.MaxRetries,
		AccountCacheTTL: cfg.Kiro.AccountCacheTTL,
	})

	var ledger *usage.Ledger
	if cfg.Usage.Enabled {
		ledger, err = usage.Open(ctx, usage.Config{Path: cfg.Usage.Path})
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer ledger.Close()
	}

	systemPrompt, err := loadSystemPrompt(cfg.Prompt.SystemPromptFile)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(st, pm, am, kh, proxy.Config{
		APIKey:           cfg.Server.APIKey,
		DefaultProviders: defaultProviders(cfg.Pool.DefaultProvider),
		Version:          Version,
		SystemPrompt:     systemPrompt,
		SystemPromptMode: cfg.Prompt.SystemPromptMode,
	})
	srv.SetPromptLogger(proxy.NewPromptLogger(cfg.Prompt.LogPrompts, ".", cfg.Prompt.LogBaseName))
	if ledger != nil {
		srv.SetLedger(ledger)
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		srv.SetMetrics(collector)
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		go trackHealthyAccounts(ctx, pm, collector)
	}

	runner := tasks.New(pm, ledger, tasks.Config{
		HealthSweepInterval: cfg.Cron.HealthSweepInterval,
		NearExpiryWindow:    time.Duration(cfg.Cron.NearExpiryMinutes) * time.Minute,
		RefreshEnabled:      cfg.Cron.RefreshToken,
		UsageRetention:      time.Duration(cfg.Usage.RetentionDays) * 24 * time.Hour,
		WarmupOnStart:       true,
	})
	if err := runner.Start(); err != nil {
		return err
	}
	defer runner.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.GracefulTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// openStore prefers Redis when enabled and reachable, the filesystem backend
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	logger := slog.Default().With("component", "store")
	if cfg.Redis.Enabled {
		rs, err := redisstore.Open(ctx, redisstore.Config{
			URL:       cfg.Redis.URL,
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err == nil {
			logger.Info("using redis backend", "addr", cfg.Redis.RedisAddr())
			return rs
		}
		logger.Warn("redis unreachable, falling back to file backend", "error", err)
	}
	fs, err := filestore.Open(ctx, cfg.Pool.DataDir)
	if err != nil {
		logger.Error("file backend unavailable", "dir", cfg.Pool.DataDir, "error", err)
		os.Exit(1)
	}
	logger.Info("using file backend", "dir", cfg.Pool.DataDir)
	return fs
}

// defaultProviders maps the configured default onto every dialect; empty
// keeps the per-dialect defaults.
func defaultProviders(def string) map[protocol.Dialect]store.ProviderType {
	if def == "" || !store.ValidProviderType(store.ProviderType(def)) {
		return nil
	}
	t := store.ProviderType(def)
	return map[protocol.Dialect]store.ProviderType{
		protocol.DialectOpenAI:          t,
		protocol.DialectOpenAIResponses: t,
		protocol.DialectClaude:          t,
		protocol.DialectGemini:          t,
		protocol.DialectOllama:          t,
	}
}

func poolModelFallbacks(in map[string]config.ModelFallback) map[string]pool.ModelFallback {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]pool.ModelFallback, len(in))
	for model, fb := range in {
		out[model] = pool.ModelFallback{
			TargetProviderType: fb.TargetProviderType,
			TargetModel:        fb.TargetModel,
		}
	}
	return out
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	return string(data), nil
}

// trackHealthyAccounts feeds the healthy-account gauge.
func trackHealthyAccounts(ctx context.Context, pm *pool.Manager, c *metrics.Collector) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range store.AllProviderTypes {
				c.SetHealthyAccounts(t, pm.HealthyCount(t))
			}
		}
	}
}
