package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/api/handlers"
	"github.com/compose-paas/backend/internal/auth"
	"github.com/compose-paas/backend/internal/cleanup"
	"github.com/compose-paas/backend/internal/compose"
	"github.com/compose-paas/backend/internal/config"
	"github.com/compose-paas/backend/internal/db"
	"github.com/compose-paas/backend/internal/event"
	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/logstream"
	"github.com/compose-paas/backend/internal/metrics"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/repository"
	"github.com/compose-paas/backend/internal/runtime"
	"github.com/compose-paas/backend/internal/shell"
	"github.com/compose-paas/backend/internal/task"
	"github.com/compose-paas/backend/internal/ws"
)

// observedRecorder counts finished tasks before handing them to the history.
type observedRecorder struct {
	next    task.HistoryRecorder
	metrics *metrics.Registry
}

func (r *observedRecorder) RecordTask(ctx context.Context, details model.TaskDetails) error {
	r.metrics.ObserveTask(string(details.State))
	if r.next == nil {
		return nil
	}
	return r.next.RecordTask(ctx, details)
}

func main() {
	log := logging.NewLogger("server")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	logging.Configure(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.NewDocker(runtime.DockerConfig{
		Host:        cfg.Runtime.DockerHost,
		CallTimeout: cfg.Runtime.CallTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize container runtime")
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.WithError(err).Warn("Container runtime is not reachable yet")
	}

	reg := metrics.New()
	events := event.NewPubSub()
	defer events.Close()

	// Task history
	recorder := &observedRecorder{metrics: reg}
	var history *repository.TaskRepository
	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer database.Close()
		history = repository.NewTaskRepository(database)
		recorder.next = history
	}

	tasks := task.NewManager(task.Config{
		MaxLines:      cfg.Tasks.MaxLinesPerTask,
		MaxLineLength: cfg.Tasks.MaxLineLength,
		Retention:     cfg.Tasks.Retention,
		Policy:        cfg.Tasks.SecondaryFailurePolicy,
		Publisher:     events,
		Recorder:      recorder,
	})
	defer tasks.Close()

	logs := logstream.NewService(rt, logstream.Config{
		MaxTail:        cfg.Logs.MaxLogLinesStreaming,
		BufferSize:     cfg.Logs.LogBufferSize,
		MaxLineLength:  cfg.Tasks.MaxLineLength,
		EndedRetention: cfg.Logs.EndedRetention,
		CallTimeout:    cfg.Runtime.CallTimeout,
	})
	defer logs.Close()

	shells := shell.NewService(rt, shell.Config{
		DefaultTTL:       cfg.Shell.DefaultTTL,
		IdleTimeout:      cfg.Shell.IdleTimeout,
		MaxPerService:    cfg.Shell.MaxConcurrentSessions,
		AllowedShells:    cfg.Shell.AllowedShells,
		MaxInputSize:     cfg.Shell.MaxInputSize,
		DisconnectGrace:  cfg.Shell.DisconnectGrace,
		OutputBufferSize: cfg.Shell.OutputBufferSize,
	})
	defer shells.Close()

	executor := compose.NewExecutor(compose.Config{
		ComposeDir: cfg.Runtime.ComposeDir,
		DockerHost: cfg.Runtime.DockerHost,
		Runtime:    rt,
		Tasks:      tasks,
		Publisher:  events,
	})
	if err := executor.RefreshApps(ctx); err != nil {
		log.WithError(err).Warn("Failed to list apps")
	}

	// Authentication and authorization
	tokens := auth.NewTokens(cfg.Auth.JWTSecret)
	tickets := auth.NewTickets(cfg.Auth.TicketTTL)
	policies, err := auth.NewPolicies(cfg.Auth)
	if err != nil {
		log.WithError(err).Fatal("Failed to load authorization policies")
	}

	messenger := ws.NewMessenger(ws.Config{
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		PingInterval:   cfg.WebSocket.PingInterval,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Authenticator:  &auth.Authenticator{Tokens: tokens, Tickets: tickets},
		Authorizer:     policies,
		Tasks:          tasks,
		Launcher:       executor,
		Logs:           logs,
		Shells:         shells,
		Events:         events,
		Observer:       reg,
	})
	defer messenger.Close()

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"tasks_active", "Tasks that are pending or running.", func() float64 { return float64(tasks.ActiveCount()) }},
		{"task_output_evicted_lines", "Task output lines dropped from full buffers.", func() float64 { return float64(tasks.EvictedLines()) }},
		{"shell_sessions_active", "Open shell sessions.", func() float64 { return float64(shells.ActiveCount()) }},
		{"log_streams_active", "Running log streams.", func() float64 { return float64(logs.ActiveCount()) }},
		{"ws_clients", "Connected WebSocket clients.", func() float64 { return float64(messenger.ClientCount()) }},
	}
	for _, g := range gauges {
		if err := reg.Gauge(g.name, g.help, g.fn); err != nil {
			log.WithError(err).Fatal("Failed to register metric")
		}
	}

	// Periodic cleanup
	scheduler := cleanup.New(cleanup.Config{Observer: reg.ObserveSweep})
	jobs := []struct {
		name     string
		interval time.Duration
		sweeper  cleanup.Sweeper
	}{
		{"shell_sessions", cfg.Shell.CleanupInterval, shells},
		{"log_streams", cfg.CleanupInterval, logs},
		{"auth_tickets", cfg.CleanupInterval, tickets},
	}
	if history != nil {
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			sweeper  cleanup.Sweeper
		}{"task_history", cfg.CleanupInterval, pruneHistory(history, cfg.Database.HistoryRetention, log)})
	}
	for _, j := range jobs {
		if err := scheduler.Register(j.name, j.interval, j.sweeper); err != nil {
			log.WithError(err).Fatal("Failed to register cleanup job")
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Initialize handlers
	var store handlers.HistoryStore
	if history != nil {
		store = history
	}
	taskHandler := handlers.NewTaskHandler(ctx, tasks, executor, store, policies)
	wsHandler := handlers.NewWebSocketHandler(messenger, tickets)

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logging.NewLogger("http")))
	r.Use(handlers.CORSMiddleware(cfg.WebSocket.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := rt.Ping(pingCtx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status})
	})
	r.GET("/metrics", gin.WrapH(reg.Handler()))

	api := r.Group("/api")
	wsHandler.RegisterRoutes(api)
	authed := api.Group("")
	authed.Use(handlers.AuthMiddleware(tokens))
	{
		taskHandler.RegisterRoutes(authed)
		wsHandler.RegisterTicketRoute(authed)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Server shutdown failed")
		}
	}()

	log.WithField("listen", cfg.Server.Listen).Info("Starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("Failed to start server")
	}
}

func pruneHistory(repo *repository.TaskRepository, retention time.Duration, log *logrus.Entry) cleanup.SweepFunc {
	return func(now time.Time) int {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := repo.DeleteFinishedBefore(ctx, now.Add(-retention))
		if err != nil {
			log.WithError(err).Warn("Failed to prune task history")
			return 0
		}
		return int(n)
	}
}
