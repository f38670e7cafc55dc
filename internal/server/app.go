// Package server initializes and runs the pilot auth server.
// It opens the pilot store, applies migrations, wires services, and runs the
// HTTP API, the gRPC health endpoint and the refresh token janitor until a
// termination signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/diracgrid/pilotauth/internal/logging"
	"github.com/diracgrid/pilotauth/internal/server/api"
	"github.com/diracgrid/pilotauth/internal/server/config"
	"github.com/diracgrid/pilotauth/internal/server/metrics"
	"github.com/diracgrid/pilotauth/internal/server/repositories/repomanager"
	"github.com/diracgrid/pilotauth/internal/server/secrets"
	"github.com/diracgrid/pilotauth/internal/server/services"
	"github.com/diracgrid/pilotauth/internal/server/throttle"

	gs "github.com/diracgrid/pilotauth/internal/server/grpc"
)

const (
	purgeInterval  = 15 * time.Minute
	healthInterval = 30 * time.Second
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry

	pilotService *services.PilotService
	authService  *services.PilotAuthService
	tokenIssuer  *services.TokenIssuer
	metrics      *metrics.Metrics
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	hasher, err := secrets.NewHasher(c.SecretHashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var (
		limiter     throttle.Limiter = throttle.Nop{}
		redisClient *redis.Client
	)
	if c.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		limiter = throttle.NewRedisLimiter(redisClient, c.LoginMaxFailures, c.LoginFailureWindow)
		logger.Info(ctx, "login throttling enabled", "redis", c.RedisAddr, "max_failures", c.LoginMaxFailures)
	}

	if c.AdminToken == "" {
		logger.Warn(ctx, "no admin token configured, pilot registration is disabled")
	}

	tokens := services.NewTokenIssuer(db, rm, c)

	return &App{
		config:       c,
		logger:       logger,
		db:           db,
		redis:        redisClient,
		registry:     registry,
		pilotService: services.NewPilotService(db, rm, hasher, c, logger, m),
		authService:  services.NewPilotAuthService(db, rm, hasher, tokens, limiter, logger, m),
		tokenIssuer:  tokens,
		metrics:      m,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	h := api.NewHandlers(app.pilotService, app.authService, app.db, app.config.AdminToken, app.logger, app.metrics)

	router := h.Router()
	router.Handle("/metrics", metrics.Handler(app.registry))

	s := api.NewHTTPServer(app.config.EndpointAddrHTTP, router, app.logger)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.db, healthInterval)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// purgeRefreshTokens drops expired refresh token rows until ctx is done.
func (app *App) purgeRefreshTokens(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.tokenIssuer.PurgeExpiredRefreshTokens(ctx)
			if err != nil {
				app.logger.Warn(ctx, "refresh token purge failed", "error", err)
				continue
			}
			app.metrics.TokensPurged(n)
			if n > 0 {
				app.logger.Debug(ctx, "purged expired refresh tokens", "count", n)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.purgeRefreshTokens(ctx)
	}()

	wg.Wait()

	app.close(context.Background())
}

func (app *App) close(ctx context.Context) {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(ctx, "redis close error", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close error", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
