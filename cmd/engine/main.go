package main

import (
	"context"
	"net/smtp"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/mixcoordinator/internal/api"
	"github.com/rawblock/mixcoordinator/internal/bitcoin"
	"github.com/rawblock/mixcoordinator/internal/chain"
	"github.com/rawblock/mixcoordinator/internal/coinjoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/db"
	"github.com/rawblock/mixcoordinator/internal/keyimage"
	"github.com/rawblock/mixcoordinator/internal/mixengine"
	"github.com/rawblock/mixcoordinator/internal/monitoring"
	"github.com/rawblock/mixcoordinator/internal/ring"
	"github.com/rawblock/mixcoordinator/internal/security"
	"github.com/rawblock/mixcoordinator/internal/wallet"
)

func main() {
	logger := log.With().Str("component", "cmd.engine").Logger()
	logger.Info().Msg("starting mix coordinator")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	dbUrl := requireEnv(logger, "DATABASE_URL")
	dbConn, err := db.Connect(dbUrl)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		logger.Fatal().Err(err).Msg("schema init failed")
	}

	btcHost := config.GetEnvOrDefault("BTC_RPC_HOST", "localhost:8332")
	btcUser := requireEnv(logger, "BTC_RPC_USER")
	btcPass := requireEnv(logger, "BTC_RPC_PASS")

	btcClient, err := bitcoin.NewClient(bitcoin.Config{Host: btcHost, User: btcUser, Pass: btcPass})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Bitcoin RPC")
	}
	defer btcClient.Shutdown()

	chainRegistry := chain.NewRegistry(chain.NewBTCClient(btcClient))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Security pipeline ───────────────────────────────────────────
	reputation := security.NewReputation()
	if err := dbConn.LoadReputation(ctx, reputation); err != nil {
		logger.Warn().Err(err).Msg("failed to warm-load address reputation")
	}
	validator := security.NewValidator(reputation, dbConn, cfg.Security)

	// ─── Wallet custody ──────────────────────────────────────────────
	cache := wallet.NewMemoryCache()
	walletManager := wallet.NewManager(dbConn, cache, cfg.Wallet)
	depositAllocator, err := wallet.NewDepositAllocator(dbConn, cfg.Wallet)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build deposit allocator")
	}

	// ─── CoinJoin and ring-signature mixers ─────────────────────────
	coordinator := coinjoin.NewCoordinator(cfg.CoinJoin, dbConn)
	keyImageRegistry := keyimage.NewRegistry()
	utxoSource := chain.NewBTCUTXOSource(btcClient)
	ringMixer := ring.NewMixer(cfg.Ring, keyImageRegistry, utxoSource)

	// ─── Top-level request engine ───────────────────────────────────
	engine := mixengine.NewEngine(cfg.MixEngine, dbConn, validator, depositAllocator, coordinator, ringMixer, dbConn, chainRegistry, dbConn, dbConn)

	// ─── Monitoring ──────────────────────────────────────────────────
	notifier := buildNotifier(cfg, logger)
	monitor := monitoring.New(
		cfg.Monitoring,
		logger,
		notifier,
		systemSampler(chainRegistry),
		businessSampler(dbConn),
		securitySampler(dbConn),
		performanceSampler(dbConn),
		systemAlertCheck,
		businessAlertCheck,
	)

	// ─── WebSocket hub ───────────────────────────────────────────────
	wsHub := api.NewHub()
	go wsHub.Run()

	// ─── Prometheus metrics ──────────────────────────────────────────
	promExporter := monitoring.NewPrometheusExporter(prometheus.DefaultRegisterer)

	// ─── Background loops ────────────────────────────────────────────
	go runTicker(ctx, cfg.MixEngine.TickInterval, engine.Tick)
	go runTicker(ctx, time.Second, coordinator.Tick)
	go monitor.Run(ctx)
	go runTicker(ctx, cfg.Monitoring.PerformanceInterval, func(context.Context) { promExporter.Sync(monitor) })

	r := api.SetupRouter(engine, coordinator, walletManager, monitor, dbConn, wsHub, promExporter)

	port := config.GetEnvOrDefault("PORT", "5339")

	go func() {
		logger.Info().Str("port", port).Msg("engine listening")
		if err := r.Run(":" + port); err != nil {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
}

// runTicker calls fn on every interval tick until ctx is cancelled —
// the same fixed-interval loop shape monitoring.runLoop uses, applied
// here to the engine's and coordinator's own per-pass Tick methods.
func runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// requireEnv reads a required environment variable and exits if it is
// not set, mirroring the teacher's fail-fast bootstrap for credentials.
func requireEnv(logger zerolog.Logger, key string) string {
	v, ok := config.RequireEnv(key)
	if !ok {
		logger.Fatal().Str("key", key).Msg("required environment variable is not set")
	}
	return v
}

func buildNotifier(cfg *config.Config, logger zerolog.Logger) *monitoring.Notifier {
	n := monitoring.NewNotifier(cfg.Monitoring.NotificationMaxRetries, 500*time.Millisecond, logger)
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		n.Register(monitoring.NewWebhookProvider("webhook", url, nil))
	}
	if url := os.Getenv("ALERT_SLACK_WEBHOOK_URL"); url != "" {
		n.Register(monitoring.NewSlackProvider(url))
	}
	if token, chatID := os.Getenv("ALERT_TELEGRAM_BOT_TOKEN"), os.Getenv("ALERT_TELEGRAM_CHAT_ID"); token != "" && chatID != "" {
		n.Register(monitoring.NewTelegramProvider(token, chatID))
	}
	if addr := os.Getenv("ALERT_SMTP_ADDR"); addr != "" {
		host := addr
		if idx := strings.IndexByte(addr, ':'); idx >= 0 {
			host = addr[:idx]
		}
		var auth smtp.Auth
		if user := os.Getenv("ALERT_SMTP_USER"); user != "" {
			auth = smtp.PlainAuth("", user, os.Getenv("ALERT_SMTP_PASS"), host)
		}
		n.Register(monitoring.NewEmailProvider(addr, os.Getenv("ALERT_SMTP_FROM"),
			[]string{os.Getenv("ALERT_SMTP_TO")}, auth))
	}
	return n
}

func systemSampler(registry *chain.Registry) monitoring.Sampler {
	return func(ctx context.Context) (monitoring.Point, error) {
		var height int64
		if c, ok := registry.Get(config.BTC); ok {
			h, err := c.GetBlockHeight(ctx)
			if err == nil {
				height = h
			}
		}
		return monitoring.Point{Value: float64(height), Labels: map[string]string{"chain": "BTC"}}, nil
	}
}

func businessSampler(store *db.PostgresStore) monitoring.Sampler {
	return func(ctx context.Context) (monitoring.Point, error) {
		snap, err := store.BusinessSnapshot(ctx)
		if err != nil {
			return monitoring.Point{}, err
		}
		return monitoring.Point{Value: float64(snap.ActiveRequests)}, nil
	}
}

func securitySampler(store *db.PostgresStore) monitoring.Sampler {
	return func(ctx context.Context) (monitoring.Point, error) {
		snap, err := store.BusinessSnapshot(ctx)
		if err != nil {
			return monitoring.Point{}, err
		}
		return monitoring.Point{Value: float64(snap.PendingReview)}, nil
	}
}

func performanceSampler(store *db.PostgresStore) monitoring.Sampler {
	return func(ctx context.Context) (monitoring.Point, error) {
		p, err := store.OperationLatencyPercentiles(ctx, "mix_request", time.Now().Add(-5*time.Minute))
		if err != nil {
			return monitoring.Point{}, err
		}
		return monitoring.Point{Value: p.P99}, nil
	}
}

func systemAlertCheck(ctx context.Context, m *monitoring.Monitoring) {
	p, ok := m.System.Latest()
	if !ok {
		return
	}
	if p.Value == 0 {
		m.Alerts.Trigger("chain_height_unavailable", "BTC", "high",
			"chain height unavailable", "block height sampler returned zero", time.Now())
	}
}

func businessAlertCheck(ctx context.Context, m *monitoring.Monitoring) {
	p, ok := m.Business.Latest()
	if !ok {
		return
	}
	if p.Value == 0 {
		m.Alerts.Trigger("no_active_requests", "engine", "low",
			"no active mix requests", "business sampler reports zero active requests", time.Now())
	}
}
