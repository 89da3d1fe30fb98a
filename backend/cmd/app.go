package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/signal-relay/backend/analytics"
	"github.com/adwski/signal-relay/backend/auth"
	"github.com/adwski/signal-relay/backend/config"
	"github.com/adwski/signal-relay/backend/metrics"
	httpServer "github.com/adwski/signal-relay/backend/server/http"
	websocketServer "github.com/adwski/signal-relay/backend/server/websocket"
	"github.com/adwski/signal-relay/backend/service"
	store "github.com/adwski/signal-relay/backend/storage/memory"
	"github.com/rs/zerolog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], service.DefaultJoinMarkup)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := store.NewRegistry(&logger)
	relayMetrics := metrics.New(registry.Len)

	publisher, closer, err := newPublisher(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("sink", cfg.AnalyticsSink).Msg("failed to set up analytics sink")
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close analytics sink")
		}
	}()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
		sink analytics.Sink = analytics.Nop{}
	)
	if publisher != nil {
		dispatcher := analytics.NewDispatcher(analytics.Config{
			Logger:    &logger,
			Publisher: publisher,
			OnDrop:    relayMetrics.AnalyticsDropped,
		})
		wg.Add(1)
		go dispatcher.Run(ctx, wg)
		sink = dispatcher
	}

	svc := service.NewService(service.Config{
		Registry:   registry,
		Analytics:  sink,
		Metrics:    relayMetrics,
		Logger:     &logger,
		JoinMarkup: cfg.JoinMarkup,
	})
	router := service.NewRouter(service.RouterConfig{
		Logger:  &logger,
		Metrics: relayMetrics,
	})

	var authn auth.Authenticator = auth.Insecure{}
	if cfg.AuthMode == config.AuthModeJWT {
		authn = auth.NewJWT(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("insecure auth mode, identities are taken from query parameters")
	}

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		Rooms:       registry,
		Metrics:     relayMetrics.Handler(),
		ListenAddr:  cfg.APIListenAddr,
		Version:     version,
		CORSOrigins: cfg.CORSOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		Router:           router,
		Authenticator:    authn,
		ListenAddr:       cfg.WSListenAddr,
		OutboxSize:       cfg.OutboxSize,
		MaxMessageRate:   cfg.MaxMessageRate,
		MaxMessageSize:   cfg.MaxMessageSize,
	})

	wg.Add(3)
	go registry.RunSweeper(ctx, wg, cfg.RoomSweepInterval)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newPublisher(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (analytics.Publisher, io.Closer, error) {
	switch cfg.AnalyticsSink {
	case config.SinkLog:
		return analytics.NewLog(logger), nopCloser{}, nil
	case config.SinkRedis:
		pub, err := analytics.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisChannel)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub, nil
	case config.SinkNATS:
		pub, err := analytics.NewNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub, nil
	case config.SinkPostgres:
		pub, err := analytics.NewPostgres(ctx, cfg.PGURL)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub, nil
	default:
		return nil, nopCloser{}, nil
	}
}
