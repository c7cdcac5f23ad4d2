package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/api"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/confirmation"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/lifecycle"
	"github.com/relaygate/relaygate/internal/llm"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/promptdefense"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/router"
	"github.com/relaygate/relaygate/internal/toolclient"
)

// runServe implements the serve command: build every component named in
// spec §2's component table, wire them together, and run the HTTP API
// until a shutdown signal arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: logLevel})
	slog.SetDefault(logger)

	logger.Info("starting relaygate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	metrics := observability.NewMetrics()

	lm := lifecycle.New(cfg.Server.DrainTimeout, logger)

	keySet := auth.NewKeySet(cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh)
	keySet.SetMetricsHooks(
		func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			metrics.TokenCacheLookups.WithLabelValues(result).Inc()
		},
		func(err error) {
			metrics.TokenCacheLookups.WithLabelValues("refresh_error").Inc()
			logger.Warn("jwks background refresh failed", "error", err)
		},
	)
	if err := keySet.Refresh(); err != nil {
		logger.Warn("initial JWKS refresh failed, will retry in background", "error", err)
	}
	keySet.Start()
	lm.RegisterCloser(keySet.Stop)

	verifier := auth.NewVerifier(keySet, cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.AdditionalIssuers, cfg.Auth.Algorithms)

	revocationStore, closeRevocation, err := buildRevocationStore(cfg.Revocation)
	if err != nil {
		return fmt.Errorf("failed to build revocation store: %w", err)
	}
	if closeRevocation != nil {
		lm.RegisterCloser(closeRevocation)
	}

	gate := auth.NewGate(verifier, revocationStore, logger)

	rt := router.New(cfg.ToolServers)
	tools := toolclient.New()

	delimiters := promptdefense.NewDelimiterCache(cfg.Prompt.DelimiterTTL)
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				delimiters.Sweep()
			case <-sweepStop:
				return
			}
		}
	}()
	lm.RegisterCloser(func() { close(sweepStop) })

	llmClient, err := llm.New(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: cfg.LLM.RetryDelay,
		MockPrefix: cfg.LLM.MockPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to build LLM client: %w", err)
	}
	if llmClient.IsMock() {
		logger.Warn("LLM client running in mock mode", "mockPrefix", cfg.LLM.MockPrefix)
	}

	confirmStore, closeConfirm, err := buildConfirmationStore(cfg.Confirmation)
	if err != nil {
		return fmt.Errorf("failed to build confirmation store: %w", err)
	}
	if closeConfirm != nil {
		lm.RegisterCloser(closeConfirm)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Router:       rt,
		Tools:        tools,
		Confirmation: confirmStore,
		LLMClient:    llmClient,
		Prompt:       cfg.Prompt,
		Delimiters:   delimiters,
		Streams:      lm,
		Logger:       logger,
	})

	confirmEndpoint := confirmation.NewEndpoint(confirmStore, rt, tools)

	limiter := ratelimit.NewGatewayLimiter(cfg.RateLimit)

	apiServer := api.New(api.Deps{
		Gate:            gate,
		Limiter:         limiter,
		Orchestrator:    orch,
		ConfirmEndpoint: confirmEndpoint,
		Router:          rt,
		Tools:           tools,
		Metrics:         metrics,
		Heartbeat:       cfg.Server.HeartbeatInterval,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Mux(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	}

	ctx, cancel := lifecycle.NotifyContext(cmd.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		lm.Shutdown()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout+5*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	lm.Shutdown()
	logger.Info("relaygate stopped gracefully")
	return nil
}

// buildRevocationStore constructs the Revocation Store (spec §4.B)
// per cfg.Backend, returning an optional closer to register with the
// Lifecycle Manager.
func buildRevocationStore(cfg config.StoreConfig) (auth.RevocationStore, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return auth.NewRedisRevocationStore(client), func() { _ = client.Close() }, nil
	default:
		store := auth.NewMemoryRevocationStore(context.Background(), time.Minute)
		return store, nil, nil
	}
}

// buildConfirmationStore constructs the Confirmation Store (spec §4.I)
// per cfg.Backend, returning an optional closer.
func buildConfirmationStore(cfg config.StoreConfig) (confirmation.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return confirmation.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		store := confirmation.NewMemoryStore(context.Background(), time.Minute)
		return store, nil, nil
	}
}

// runHealthcheck loads and validates configuration, then probes the
// configured JWKS URL and tool server endpoints for basic reachability,
// without binding any listener.
func runHealthcheck(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "config: OK (%s)\n", configPath)

	keySet := auth.NewKeySet(cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh)
	if err := keySet.Refresh(); err != nil {
		fmt.Fprintf(out, "jwks: FAIL (%v)\n", err)
	} else {
		fmt.Fprintln(out, "jwks: OK")
	}

	for _, ts := range cfg.ToolServers {
		conn, err := net.DialTimeout("tcp", hostPort(ts.Endpoint), 3*time.Second)
		if err != nil {
			fmt.Fprintf(out, "toolServer %s: UNREACHABLE (%v)\n", ts.Name, err)
			continue
		}
		_ = conn.Close()
		fmt.Fprintf(out, "toolServer %s: OK\n", ts.Name)
	}

	return nil
}

// hostPort extracts a dialable host:port from a tool server endpoint
// URL, defaulting to the scheme's standard port when the URL has none.
func hostPort(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}
