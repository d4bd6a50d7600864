// Command server runs the Antigravity reverse proxy: the OpenAI
// chat-completions surface, the Anthropic Messages surface, and the
// Gemini pass-through, all dispatched against a pool of upstream
// accounts through the retry/failover engine (spec §1).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antigravity-proxy/gateway/internal/config"
	"github.com/antigravity-proxy/gateway/pkg/account"
	"github.com/antigravity-proxy/gateway/pkg/catalog"
	"github.com/antigravity-proxy/gateway/pkg/dispatch"
	"github.com/antigravity-proxy/gateway/pkg/gateway"
	ihttp "github.com/antigravity-proxy/gateway/pkg/internal/http"
	"github.com/antigravity-proxy/gateway/pkg/retryengine"
	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/store"
	"github.com/antigravity-proxy/gateway/pkg/store/sqlite"
	"github.com/antigravity-proxy/gateway/pkg/telemetry"
	"github.com/antigravity-proxy/gateway/pkg/token"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// onboardAccounts refreshes each account's token and resolves its
// cloud-assist project id once at startup. Failures are logged, not
// fatal. A failed token refresh marks the account as errored, so the
// pool skips it until a later refresh succeeds; a failed project-id
// lookup leaves the account selectable with an empty Project.
func onboardAccounts(ctx context.Context, tokens *token.Service, accounts []*store.Account, logger *slog.Logger) {
	for _, acct := range accounts {
		if err := tokens.EnsureValidToken(ctx, acct); err != nil {
			logger.Error("onboard: token refresh failed", "account", acct.ID, "error", err)
			continue
		}
		if err := tokens.FetchProjectID(ctx, acct); err != nil {
			logger.Error("onboard: resolve project id failed", "account", acct.ID, "error", err)
		}
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracer = telemetry.GetTracer(nil)
	if cfg.TelemetryEnabled {
		provider, err := telemetry.Bootstrap(telemetry.BootstrapConfig{
			ServiceName: "antigravity-proxy",
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		tracer = provider.Tracer(telemetry.TracerName)
	}

	accounts, err := config.LoadAccounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		logger.Warn("no accounts configured; set ANTIGRAVITY_ACCOUNTS_JSON")
	}

	var sigStore sigcache.Store
	if cfg.SignatureStorePath != "" {
		sqliteStore, err := sqlite.Open(cfg.SignatureStorePath)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		sigStore = sqliteStore
	}

	signatures := sigcache.New(sigcache.Config{
		ToolThoughtTTL: cfg.ToolThoughtSignatureTTL,
		ToolThoughtMax: cfg.ToolThoughtSignatureMax,
		ThinkingTTL:    cfg.ClaudeThinkingSignatureTTL,
		ThinkingMax:    cfg.ClaudeThinkingSignatureMax,
		LastTTL:        cfg.ClaudeLastSignatureTTL,
		LastMax:        cfg.ClaudeLastSignatureMax,
		AssistantTTL:   cfg.ClaudeAssistantSignatureTTL,
		AssistantMax:   cfg.ClaudeAssistantSignatureMax,
	}, sigStore)

	pool := account.New(accounts, cfg.MaxConcurrentPerModel)

	tokens := token.New(token.Config{
		UpstreamBaseURL: cfg.UpstreamBaseURL,
		OAuthTokenURL:   cfg.OAuthTokenURL,
		Logger:          logger,
	})
	tokens.RunSchedulers(ctx, accounts, cfg.TokenRefreshInterval, cfg.QuotaSyncInterval)
	onboardAccounts(ctx, tokens, accounts, logger)

	upstreamClient := dispatch.NewUpstreamClient(
		ihttp.NewClient(ihttp.Config{BaseURL: cfg.UpstreamBaseURL}),
		cfg.UpstreamRateLimitPerSec,
		cfg.UpstreamRateLimitBurst,
	)

	d := dispatch.New(pool, tokens, upstreamClient, retryengine.Config{
		ConfiguredRetries:  cfg.ConfiguredRetries,
		BaseDelay:          cfg.SameAccountRetryDelay,
		SameAccountRetries: cfg.SameAccountRetries,
		AccountSwitchDelay: cfg.AccountSwitchDelay,
	}, logger)
	d.Tracer = tracer

	gw := &gateway.Gateway{
		Dispatcher: d,
		Catalog:    catalog.New(),
		Signatures: signatures,
		Pool:       pool,
		Config:     cfg,
		Logger:     logger,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
