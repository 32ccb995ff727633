package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/inkpost/internal/account"
	"github.com/2beens/inkpost/internal/auth"
	"github.com/2beens/inkpost/internal/blog"
	"github.com/2beens/inkpost/internal/config"
	"github.com/2beens/inkpost/internal/db"
	"github.com/2beens/inkpost/internal/middleware"
	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/telemetry/tracing"
	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/internal/web"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config   *config.Config
	dbPool   *pgxpool.Pool
	renderer *web.Renderer

	redisClient *redis.Client
	tokens      *auth.Tokens
	revoker     *auth.Revoker

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config      *config.Config
	VersionInfo string
}

// NewServer connects to postgres and redis and applies the migrations. It
// fails when the database is not reachable, so the listener never starts
// against a database that is not ready.
func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	cfg := params.Config

	dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		ConnString:     cfg.DatabaseURL,
		TracingEnabled: cfg.DBTracing,
	})
	if err != nil {
		return nil, fmt.Errorf("new db pool: %w", err)
	}

	if err := db.MigratePool(ctx, dbPool); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	pgxpoolCollector := pgxpoolprometheus.NewCollector(
		dbPool,
		map[string]string{"db_name": "inkpost"},
	)
	promRegistry := metrics.SetupPrometheus(pgxpoolCollector)
	metricsManager := metrics.NewManager("inkpost", "main", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0, // use default DB
	})

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(cfg.HoneycombEnabled, tracing.ServiceName, rdb)
	if err != nil {
		dbPool.Close()
		_ = rdb.Close()
		return nil, err
	}

	renderer, err := web.NewRenderer()
	if err != nil {
		dbPool.Close()
		_ = rdb.Close()
		otelShutdown()
		return nil, fmt.Errorf("new renderer: %w", err)
	}

	return &Server{
		config:      cfg,
		dbPool:      dbPool,
		renderer:    renderer,
		versionInfo: params.VersionInfo,

		redisClient: rdb,
		tokens:      auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL),
		revoker:     auth.NewRevoker(rdb),

		// telemetry
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("inkpost-router"))
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.DrainAndCloseRequest(middleware.DefaultMaxDrainBytes))

	usersRepo := users.NewRepo(s.dbPool)
	authMiddleware := middleware.NewAuthMiddlewareHandler(
		s.tokens,
		s.revoker,
		usersRepo,
		s.renderer,
	)

	protectedRouter := r.NewRoute().Subrouter()
	protectedRouter.Use(authMiddleware.RequireUser())

	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.Use(middleware.RateLimit(
		redis_rate.NewLimiter(s.redisClient),
		"auth",
		s.config.AuthRateLimitPerMin,
		s.metricsManager,
		s.renderer,
	))
	authRouter.Use(authMiddleware.IdentifyUser())

	publicRouter := r.NewRoute().Subrouter()
	publicRouter.Use(authMiddleware.IdentifyUser())

	accountHandler := account.NewHandler(
		usersRepo,
		s.tokens,
		s.revoker,
		s.renderer,
		s.metricsManager,
		s.config.IsProduction(),
	)
	accountHandler.SetupRoutes(authRouter)

	blogHandler := blog.NewHandler(
		blog.NewRepo(s.dbPool),
		s.renderer,
		s.metricsManager,
	)
	blogHandler.SetupRoutes(publicRouter, protectedRouter)

	// all the rest - unhandled paths
	r.NotFoundHandler = s.renderer.NotFound()
	r.MethodNotAllowedHandler = s.renderer.MethodNotAllowed()

	return r
}

// Handler returns the router wrapped into the outer middleware chain:
// tracing, panic recovery, _method override, request logging.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.routerSetup()
	handler = middleware.LogRequest()(handler)
	handler = handlers.HTTPMethodOverrideHandler(handler)
	handler = middleware.PanicRecovery(s.metricsManager, s.renderer)(handler)
	return otelhttp.NewHandler(handler, "inkpost-server")
}

func (s *Server) Serve(host string, port int) {
	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegistry,
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof(" > server [%s] listening on: [%s]", s.versionInfo, ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

// GracefulShutdown stops the listeners first, then releases redis, the db
// pool and the telemetry exporters.
func (s *Server) GracefulShutdown() error {
	log.Debug("graceful shutdown initiated ...")
	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
		} else {
			log.Warnln("server shut down")
		}
	}

	if s.metricsHttpServer != nil {
		if shutdownErr := s.metricsHttpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown metrics http server: %w", shutdownErr))
		} else {
			log.Warnln("metrics server shut down")
		}
	}

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if closeErr := s.redisClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close redis client: %w", closeErr))
		}
	}

	if s.dbPool != nil {
		log.Debugln("closing db pool ...")
		s.dbPool.Close() // blocking operation
		log.Debugln("db pool closed")
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	return err
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
