package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
	alarmrepo "telemetry-core/internal/alarms/infrastructure/postgres"
	alarmhttp "telemetry-core/internal/alarms/interfaces/http"
	"telemetry-core/internal/alarms/notify"
	"telemetry-core/internal/audit"
	"telemetry-core/internal/auth"
	"telemetry-core/internal/config"
	"telemetry-core/internal/engine"
	"telemetry-core/internal/fanout"
	"telemetry-core/internal/ingest"
	"telemetry-core/internal/observability/metrics"
	pointrepo "telemetry-core/internal/points/infrastructure/postgres"
	pointhttp "telemetry-core/internal/points/interfaces/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// ruleSource joins rule definitions with open occurrence recovery.
type ruleSource struct {
	*alarmrepo.RuleRepository
	*alarmrepo.OccurrenceRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	metrics.Init()

	defs := pointrepo.NewDefinitionRepository(db)
	ruleRepo := alarmrepo.NewRuleRepository(db)
	occRepo := alarmrepo.NewOccurrenceRepository(db)

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Points:      defs,
		Rules:       ruleSource{ruleRepo, occRepo},
		Occurrences: occRepo,
		Writer:      pointrepo.NewComputedValueWriter(db),
		Redis:       redisClient,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("engine wiring error: %v", err)
	}

	var channel notify.Channel = notify.NewLogChannel(logger)
	if cfg.Notify.WebhookURL != "" {
		channel = notify.NewMultiChannel(logger, channel, notify.NewWebhookChannel(cfg.Notify.WebhookURL))
	}
	_, err = notify.NewDispatcher(eng.Bus, channel, logger,
		notify.WithMinSeverity(alarms.Severity(cfg.Notify.MinSeverity)),
		notify.WithCooldown(cfg.Notify.Cooldown),
		notify.WithDedupeWindow(cfg.Notify.Dedupe),
	)
	if err != nil {
		logger.Fatalf("notify wiring error: %v", err)
	}

	pointsHandler, err := pointhttp.NewHandler(eng.Store, eng.Scheduler, auth.NewTenantChecker(defs), eng.Loader, eng.Alarms)
	if err != nil {
		logger.Fatalf("points handler error: %v", err)
	}
	alarmsHandler, err := alarmhttp.NewHandler(eng.Alarms, occRepo)
	if err != nil {
		logger.Fatalf("alarms handler error: %v", err)
	}
	ingestHandler, err := ingest.NewHandler(eng.Scheduler, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	wsHandler := fanout.NewWSHandler(eng.Hub, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/points/", pointsHandler)
	mux.Handle("/api/v1/engine/status", pointsHandler)
	mux.Handle("/api/v1/alarms/occurrences", alarmsHandler)
	mux.Handle("/api/v1/alarms/occurrences/", alarmsHandler)
	mux.Handle("/api/v1/ingest", ingestHandler)
	mux.Handle("/api/v1/events/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	auditMW := audit.NewMiddleware(audit.NewRepository(db), logger)
	authMW := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy(
		[]string{"/healthz"}, nil,
	))
	handler := loggingMiddleware(authMW.Wrap(auditMW.Wrap(mux)), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown: %v", err)
	}
	if err := <-engineDone; err != nil {
		logger.Printf("engine stopped: %v", err)
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
