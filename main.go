package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"aifx-advisor/config"
	"aifx-advisor/internal/api"
	"aifx-advisor/internal/bus"
	"aifx-advisor/internal/dispatch"
	"aifx-advisor/internal/gateway"
	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
	"aifx-advisor/internal/monitor"
	"aifx-advisor/internal/pipeline"
	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/scheduler"
	sig "aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
	"aifx-advisor/internal/vault"
)

func main() {
	// .env is optional; real deployments configure via the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials: Vault when enabled, environment otherwise.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("vault client init failed", "error", err)
	}
	if !vaultClient.IsEnabled() {
		seed := &vault.Credentials{
			ProviderKeys: make(map[string]string),
			DiscordToken: cfg.TransportConfig.Discord.BotToken,
			LineToken:    cfg.TransportConfig.Line.ChannelAccessToken,
			SMTPPassword: cfg.TransportConfig.Email.Password,
			JWTSecret:    cfg.AuthConfig.JWTSecret,
		}
		for _, p := range cfg.ProviderConfig.Providers {
			seed.ProviderKeys[p.Name] = p.APIKey
		}
		vaultClient.Seed(seed)
	}
	creds, err := vaultClient.Load(ctx)
	if err != nil {
		logger.Fatal("credential load failed", "error", err)
	}

	// Storage.
	db, err := store.NewDB(store.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger.WithComponent("store"))
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations failed", "error", err)
	}
	signals := store.NewPgSignalStore(db)
	positions := store.NewPgPositionStore(db)

	// Subscription registry.
	registry.SetPolicyDefaults(registry.PolicyDefaults{
		MinConfidence:   cfg.PolicyConfig.DefaultMinConfidence,
		CooldownMinutes: cfg.PolicyConfig.DefaultCooldownMinutes,
		DailyCap:        cfg.PolicyConfig.DefaultDailyCap,
		Timezone:        cfg.PolicyConfig.DefaultTimezone,
	})
	reg, err := registry.New(ctx, registry.NewPgStore(db), logger.WithComponent("registry"))
	if err != nil {
		logger.Fatal("registry load failed", "error", err)
	}

	// Market data gateway over ranked providers.
	specs := make([]gateway.ProviderSpec, 0, len(cfg.ProviderConfig.Providers))
	for _, p := range cfg.ProviderConfig.Providers {
		apiKey := p.APIKey
		if k, ok := creds.ProviderKeys[p.Name]; ok && k != "" {
			apiKey = k
		}
		specs = append(specs, gateway.ProviderSpec{
			Provider:       gateway.NewRESTProvider(p.Name, p.BaseURL, apiKey, cfg.ProviderConfig.RequestTimeout),
			RequestsPerMin: p.RequestsPerMin,
			BurstSize:      int(p.BurstSize),
		})
	}
	if len(specs) == 0 {
		logger.Fatal("no market data providers configured")
	}
	gw := gateway.New(specs, cfg.ProviderConfig.CacheTTLMax, logger.WithComponent("gateway"))

	// ML predictor client.
	var predictor *ml.Predictor
	if cfg.MLConfig.Enabled {
		predictor = ml.NewPredictor(&ml.Config{
			BaseURL: cfg.MLConfig.BaseURL,
			Timeout: cfg.MLConfig.Timeout,
			Breaker: &ml.BreakerConfig{
				FailureThreshold: cfg.MLConfig.FailureThreshold,
				FailureWindow:    cfg.MLConfig.FailureWindow,
				OpenDuration:     cfg.MLConfig.OpenDuration,
			},
		}, logger.WithComponent("ml"))
	}

	// Event bus with optional Redis mirror.
	var mirror bus.Mirror
	var redisMirror *bus.RedisMirror
	if cfg.RedisConfig.Enabled {
		redisMirror, err = bus.NewRedisMirror(ctx, cfg.RedisConfig.Address,
			cfg.RedisConfig.Password, cfg.RedisConfig.DB, logger.WithComponent("mirror"))
		if err != nil {
			logger.Warn("redis mirror unavailable, running in-process only", "error", err)
		} else {
			mirror = redisMirror
			defer redisMirror.Close()
		}
	}
	streams := buildStreams(cfg.SchedulerConfig, logger)
	eventBus := bus.New(2*len(streams), mirror, logger.WithComponent("bus"))
	defer eventBus.Close()

	// Transports and dispatcher.
	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	hub := dispatch.NewWSHub(logger.WithComponent("websocket"))
	go hub.Run(ctx)

	var transports []dispatch.Transport
	var wsTransport *dispatch.WebSocketTransport
	if cfg.TransportConfig.WebSocketEnabled {
		wsTransport = dispatch.NewWebSocketTransport(hub)
		transports = append(transports, wsTransport)
	}
	if cfg.TransportConfig.Discord.Enabled {
		transports = append(transports, dispatch.NewDiscordTransport(dispatch.DiscordConfig{
			BotToken: firstNonEmpty(creds.DiscordToken, cfg.TransportConfig.Discord.BotToken),
			APIBase:  cfg.TransportConfig.Discord.APIBase,
		}, nil))
	}
	if cfg.TransportConfig.Line.Enabled {
		transports = append(transports, dispatch.NewLineTransport(dispatch.LineConfig{
			ChannelAccessToken: firstNonEmpty(creds.LineToken, cfg.TransportConfig.Line.ChannelAccessToken),
			APIBase:            cfg.TransportConfig.Line.APIBase,
		}, nil))
	}
	if cfg.TransportConfig.Email.Enabled {
		transports = append(transports, dispatch.NewEmailTransport(dispatch.EmailConfig{
			Host:     cfg.TransportConfig.Email.Host,
			Port:     cfg.TransportConfig.Email.Port,
			Username: cfg.TransportConfig.Email.Username,
			Password: firstNonEmpty(creds.SMTPPassword, cfg.TransportConfig.Email.Password),
			From:     cfg.TransportConfig.Email.From,
			FromName: cfg.TransportConfig.Email.FromName,
		}, nil))
	}

	dispatcher := dispatch.New(dispatch.Config{
		Workers:          cfg.DispatcherConfig.Workers,
		QueueSize:        cfg.DispatcherConfig.QueueSize,
		TransportTimeout: cfg.DispatcherConfig.TransportTimeout,
		DrainGrace:       cfg.DispatcherConfig.DrainGrace,
	}, transports, signals, zlog)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Pipeline and scheduler.
	plan := planner.New(reg, signals, logger.WithComponent("planner"))
	synth := sig.NewSynthesizer(logger.WithComponent("synthesizer"))

	var predictionSource pipeline.PredictionSource
	if predictor != nil {
		predictionSource = predictor
	}
	pipe := pipeline.New(pipeline.Config{}, gw, indicators.DefaultSpec(), predictionSource,
		synth, signals, eventBus, plan, dispatcher, logger.WithComponent("pipeline"))

	sched := scheduler.New(scheduler.Config{
		MinPeriod:      cfg.SchedulerConfig.MinPeriod,
		JitterFraction: cfg.SchedulerConfig.JitterFraction,
		DrainGrace:     cfg.SchedulerConfig.DrainGrace,
	}, streams, logger.WithComponent("scheduler"))

	if cfg.SchedulerConfig.Enabled {
		sched.Start()
		defer sched.Stop()
		go pipe.Run(ctx, sched.Ticks())
	}

	// Position monitoring loop.
	var reversalSource monitor.ReversalSource
	if predictor != nil {
		reversalSource = predictor
	}
	mon := monitor.New(monitor.Config{
		Interval:    cfg.MonitorConfig.Interval,
		SummaryHour: cfg.MonitorConfig.SummaryLocalHour,
	}, positions, signals, gw, reversalSource, reg, eventBus, dispatcher,
		logger.WithComponent("monitor"))
	if wsTransport != nil {
		mon.SetPricePusher(wsTransport)
	}
	if cfg.MonitorConfig.Enabled {
		go mon.Run(ctx)
	}

	// HTTP surface.
	health := api.HealthSources{
		Scheduler:  sched,
		Pipeline:   pipe,
		Dispatcher: dispatcher,
		Monitor:    mon,
		Gateway:    gw,
	}
	if predictor != nil {
		health.Predictor = predictor
	}
	if redisMirror != nil {
		health.Mirror = redisMirror
	}
	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: strings.Split(cfg.ServerConfig.AllowedOrigins, ","),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: !strings.EqualFold(cfg.LoggingConfig.Level, "DEBUG"),
		AuthEnabled:    cfg.AuthConfig.Enabled,
		JWTSecret:      firstNonEmpty(creds.JWTSecret, cfg.AuthConfig.JWTSecret),
	}, pipe, sched, health, reg, signals, positions, hub, logger.WithComponent("api"))

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("aifx advisor started",
		"streams", len(streams), "transports", len(transports),
		"ml_enabled", predictor != nil)

	// Shutdown on signal or server failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case received := <-quit:
		logger.Info("shutdown signal received", "signal", received.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	cancel()
	logger.Info("aifx advisor stopped")
}

// buildStreams expands the configured pairs x timeframes, dropping
// invalid entries with a warning rather than refusing to start.
func buildStreams(cfg config.SchedulerConfig, logger *logging.Logger) []scheduler.Stream {
	var streams []scheduler.Stream
	for _, rawPair := range cfg.Pairs {
		pair, err := market.ParsePair(rawPair)
		if err != nil {
			logger.Warn("skipping invalid pair", "pair", rawPair, "error", err)
			continue
		}
		for _, rawTF := range cfg.Timeframes {
			tf, err := market.ParseTimeframe(rawTF)
			if err != nil {
				logger.Warn("skipping invalid timeframe", "timeframe", rawTF, "error", err)
				continue
			}
			streams = append(streams, scheduler.Stream{Pair: pair, Timeframe: tf})
		}
	}
	return streams
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
