// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/queueline/internal/config"
	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/identity/jwt"
	"github.com/bissquit/queueline/internal/notifications"
	"github.com/bissquit/queueline/internal/notifications/chat"
	"github.com/bissquit/queueline/internal/notifications/email"
	notificationspostgres "github.com/bissquit/queueline/internal/notifications/postgres"
	"github.com/bissquit/queueline/internal/notifications/sms"
	"github.com/bissquit/queueline/internal/pkg/ctxlog"
	"github.com/bissquit/queueline/internal/pkg/httputil"
	"github.com/bissquit/queueline/internal/pkg/metrics"
	"github.com/bissquit/queueline/internal/pkg/postgres"
	"github.com/bissquit/queueline/internal/pkg/redis"
	"github.com/bissquit/queueline/internal/queues"
	queuespostgres "github.com/bissquit/queueline/internal/queues/postgres"
	"github.com/bissquit/queueline/internal/realtime"
	"github.com/bissquit/queueline/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *goredis.Client
	bus           realtime.Bus
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	notificationWorker *notifications.Worker
	maintenance        *notifications.Maintenance
	queuesService      *queues.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := app.setupBus(); err != nil {
		db.Close()
		return nil, err
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	go app.collectPoolMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		metricsCancel()
		app.closeStores()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// setupBus picks the live update bus. Redis fans changes out across
// instances; without it updates stay inside this process.
func (a *App) setupBus() error {
	if !a.config.Redis.Enabled {
		a.bus = realtime.NewMemoryBus()
		a.logger.Info("live updates use in-process bus")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Redis.ConnectTimeout)
	defer cancel()

	client, err := redis.Connect(ctx, redis.Config{
		URL:             a.config.Redis.URL,
		ConnectAttempts: a.config.Redis.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	a.redis = client
	a.bus = realtime.NewRedisBus(client, a.config.Redis.ChannelPrefix)
	a.logger.Info("live updates use redis bus", "channel_prefix", a.config.Redis.ChannelPrefix)
	return nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Background jobs first so nothing claims dispatch jobs mid-shutdown.
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	if a.notificationWorker != nil {
		a.notificationWorker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	a.db.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			return fmt.Errorf("close redis: %w", err)
		}
	}
	return nil
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		metrics.RecordDBPoolMetrics(a.db)
		if a.redis != nil {
			metrics.RecordRedisPoolMetrics(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// QueuesService returns the queue lifecycle service.
func (a *App) QueuesService() *queues.Service {
	return a.queuesService
}

// NotificationWorker returns the dispatch worker, or nil when notifications are disabled.
func (a *App) NotificationWorker() *notifications.Worker {
	return a.notificationWorker
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Queueline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	notificationsRepo := notificationspostgres.NewRepository(a.db)

	senders, err := a.buildSenders(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher := notifications.NewDispatcher(senders...)

	slog.Info("notifications configured",
		"enabled", a.config.Notifications.Enabled,
		"email_enabled", a.config.Notifications.Email.Enabled,
		"sms_enabled", a.config.Notifications.SMS.Enabled,
		"chat_enabled", a.config.Notifications.Chat.Enabled,
	)

	var notifier queues.EventNotifier
	if a.config.Notifications.Enabled {
		renderer, err := notifications.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("create notification renderer: %w", err)
		}

		notifier = notifications.NewNotifier(notificationsRepo, dispatcher, notifications.NotifierConfig{
			BaseURL:         a.config.Notifications.BaseURL,
			StaggerInterval: a.config.Notifications.StaggerInterval,
			MaxAttempts:     a.config.Notifications.Retry.MaxAttempts,
		})

		a.notificationWorker = notifications.NewWorker(notifications.WorkerConfig{
			BatchSize:         a.config.Notifications.Worker.BatchSize,
			PollInterval:      a.config.Notifications.Worker.PollInterval,
			InitialBackoff:    a.config.Notifications.Retry.InitialBackoff,
			MaxBackoff:        a.config.Notifications.Retry.MaxBackoff,
			BackoffMultiplier: a.config.Notifications.Retry.BackoffMultiplier,
			NumWorkers:        a.config.Notifications.Worker.NumWorkers,
		}, notificationsRepo, dispatcher, renderer)
		a.notificationWorker.Start(ctx)

		a.maintenance = notifications.NewMaintenance(notifications.MaintenanceConfig{
			RecoverSchedule: a.config.Notifications.Maintenance.RecoverSchedule,
			PurgeSchedule:   a.config.Notifications.Maintenance.PurgeSchedule,
			StuckAfter:      a.config.Notifications.Maintenance.StuckAfter,
			FailedRetention: a.config.Notifications.Maintenance.FailedRetention,
		}, notificationsRepo)
		if err := a.maintenance.Start(ctx); err != nil {
			a.notificationWorker.Stop()
			return nil, fmt.Errorf("start dispatch maintenance: %w", err)
		}
	}

	notificationsHandler := notifications.NewHandler(notifications.NewService(notificationsRepo, dispatcher))

	a.queuesService = queues.NewService(
		queuespostgres.NewRepository(a.db),
		notifier,
		a.bus,
		queues.Config{TurnApproachingRank: a.config.Queues.TurnApproachingRank},
	)
	queuesHandler := queues.NewHandler(a.queuesService, queues.HandlerConfig{
		PublicBaseURL: a.config.Queues.PublicBaseURL,
		QRCodeSize:    a.config.Queues.QRCodeSize,
	})
	liveHandler := realtime.NewHandler(a.queuesService, a.bus, a.config.CORS.AllowedOrigins)

	authenticator := jwt.NewAuthenticator(jwt.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
	})

	r.Route("/api/v1", func(r chi.Router) {
		// The live stream outlives any request timeout.
		liveHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			queuesHandler.RegisterPublicRoutes(r)
			notificationsHandler.RegisterPublicRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.AuthMiddleware(authenticator))

				queuesHandler.RegisterCustomerRoutes(r)
				notificationsHandler.RegisterRoutes(r)

				r.Group(func(r chi.Router) {
					r.Use(httputil.RequireRole(domain.RoleStaff))
					queuesHandler.RegisterStaffRoutes(r)
				})
			})
		})
	})

	return r, nil
}

// buildSenders creates a sender for every enabled channel. A disabled
// channel has no sender, so the notifier never enqueues work for it.
func (a *App) buildSenders(ctx context.Context) ([]notifications.Sender, error) {
	cfg := a.config.Notifications
	var senders []notifications.Sender

	if cfg.Email.Enabled {
		s, err := email.NewSender(email.Config{
			Enabled:             true,
			Provider:            cfg.Email.Provider,
			FromAddress:         cfg.Email.FromAddress,
			FromName:            cfg.Email.FromName,
			SMTPHost:            cfg.Email.SMTPHost,
			SMTPPort:            cfg.Email.SMTPPort,
			SMTPUser:            cfg.Email.SMTPUser,
			SMTPPassword:        cfg.Email.SMTPPassword,
			PostmarkServerToken: cfg.Email.PostmarkServerToken,
			SendgridAPIKey:      cfg.Email.SendgridAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		senders = append(senders, s)
	} else {
		slog.Warn("email sender is disabled: email notifications will not be sent")
	}

	if cfg.SMS.Enabled {
		s, err := sms.NewSender(ctx, sms.Config{
			Enabled:         true,
			Region:          cfg.SMS.Region,
			AccessKeyID:     cfg.SMS.AccessKeyID,
			SecretAccessKey: cfg.SMS.SecretAccessKey,
			Endpoint:        cfg.SMS.Endpoint,
			SenderID:        cfg.SMS.SenderID,
			RateLimit:       cfg.SMS.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}
		senders = append(senders, s)
	} else {
		slog.Warn("sms sender is disabled: sms notifications will not be sent")
	}

	if cfg.Chat.Enabled {
		s, err := chat.NewSender(chat.Config{
			Enabled:          true,
			APIURL:           cfg.Chat.APIURL,
			AuthKey:          cfg.Chat.AuthKey,
			IntegratedNumber: cfg.Chat.IntegratedNumber,
			Timeout:          cfg.Chat.Timeout,
			RateLimit:        cfg.Chat.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create chat sender: %w", err)
		}
		senders = append(senders, s)
	}

	return senders, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
