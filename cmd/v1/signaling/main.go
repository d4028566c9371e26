// Command signaling runs the real-time conferencing signaling server:
// JWT-authenticated WebSocket connections, one per participant, each
// driven by the module runtime in internal/v1/runner.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/auth"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/bus"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/config"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/health"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/logging"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/middleware"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/automod"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/chat"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/legalvote"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/media"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/poll"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/protocol"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/timer"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/modules/whiteboard"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/ratelimit"
	streamprocessor "github.com/ricoschulte/opentalk-controller-sub002/internal/v1/stream_processor"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/summary"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/tracing"
	"github.com/ricoschulte/opentalk-controller-sub002/pkg/sfu"
)

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", collector)
		if err != nil {
			logger.Warn("tracing disabled, failed to start", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	validator := buildValidator(ctx, cfg, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	store := kvs.NewRedisStore(redisClient, logger)

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis for bus", zap.Error(err))
	}
	defer func() { _ = busService.Close() }()

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}

	registry := buildModuleRegistry(cfg, logger)

	captioning, captioningCleanup := buildCaptioningClient(logger)
	defer captioningCleanup()
	meetingSummary, summaryCleanup := buildSummaryClient(logger)
	defer summaryCleanup()

	srv := &server{
		cfg:         cfg,
		validator:   validator,
		store:       store,
		bus:         busService,
		registry:    registry,
		rateLimiter: rateLimiter,
		captioning:  captioning,
		summary:     meetingSummary,
		logger:      logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))
	router.Use(rateLimiter.GlobalMiddleware())

	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsGroup := router.Group("/ws")
	wsGroup.GET("/room/:roomId", srv.serveWs)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("signaling server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildValidator wires the Auth0 validator (or, with SkipAuth, the dev
// MockValidator) behind the adapter that bridges both onto
// types.TokenValidator.
func buildValidator(ctx context.Context, cfg *config.Config, logger *zap.Logger) *auth.Adapter {
	if cfg.SkipAuth {
		logger.Warn("authentication disabled via SKIP_AUTH, do not run this in production")
		return auth.NewAdapter(&auth.MockValidator{})
	}

	v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		logger.Fatal("failed to build auth validator", zap.Error(err))
	}
	return auth.NewAdapter(v)
}

// buildModuleRegistry assembles the fixed set of modules every connection
// loads, in dispatch order. automod runs first so a muted/banned
// participant's other module events still observe a consistent room
// state; media is ordered early since presenter/publish state gates
// several of the modules that follow it.
func buildModuleRegistry(cfg *config.Config, logger *zap.Logger) *module.Registry {
	sfuClient, err := sfu.NewClient(cfg.RustSFUAddr)
	if err != nil {
		logger.Fatal("failed to dial SFU", zap.Error(err))
	}

	var etherpadProvisioner protocol.Provisioner
	if base := os.Getenv("ETHERPAD_BASE_URL"); base != "" {
		etherpadProvisioner = protocol.NewEtherpadProvisioner(base, os.Getenv("ETHERPAD_API_KEY"))
	} else {
		logger.Warn("ETHERPAD_BASE_URL not set, protocol module will fail to provision")
	}

	var spacedeckProvisioner whiteboard.Provisioner
	if base := os.Getenv("SPACEDECK_BASE_URL"); base != "" {
		spacedeckProvisioner = whiteboard.NewSpacedeckProvisioner(base, os.Getenv("SPACEDECK_API_KEY"))
	} else {
		logger.Warn("SPACEDECK_BASE_URL not set, whiteboard module will fail to provision")
	}

	factories := map[string]module.Factory{
		automod.Namespace:    automod.New,
		media.Namespace:      media.New(sfuClient),
		chat.Namespace:       chat.New,
		poll.Namespace:       poll.New,
		timer.Namespace:      timer.New,
		legalvote.Namespace:  legalvote.New(legalvote.NewInMemoryStore(), &legalvote.NullPdfRenderer{}, legalvote.NewInMemoryAssetStore()),
		protocol.Namespace:   protocol.New(etherpadProvisioner),
		whiteboard.Namespace: whiteboard.New(spacedeckProvisioner),
	}
	order := []string{
		automod.Namespace,
		media.Namespace,
		chat.Namespace,
		poll.Namespace,
		timer.Namespace,
		legalvote.Namespace,
		protocol.Namespace,
		whiteboard.Namespace,
	}
	return module.NewRegistry(factories, order)
}

// buildCaptioningClient dials the live-transcription service when
// configured; the media module is the eventual caller once audio
// forwarding is wired to it, so this keeps the connection lifecycle
// managed from the same place as every other external dependency.
func buildCaptioningClient(logger *zap.Logger) (*streamprocessor.Client, func()) {
	addr := os.Getenv("STREAM_PROCESSOR_ADDR")
	if addr == "" {
		return nil, func() {}
	}
	client, err := streamprocessor.NewClient(addr)
	if err != nil {
		logger.Warn("captioning service unavailable", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = client.Close() }
}

func buildSummaryClient(logger *zap.Logger) (*summary.Client, func()) {
	addr := os.Getenv("SUMMARY_SERVICE_ADDR")
	if addr == "" {
		return nil, func() {}
	}
	client, err := summary.NewClient(addr)
	if err != nil {
		logger.Warn("summary service unavailable", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = client.Close() }
}
