package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	alarmapp "asset-alerting/internal/alarms/application"
	alarmrepo "asset-alerting/internal/alarms/infrastructure/postgres"
	alarmhttp "asset-alerting/internal/alarms/interfaces/http"
	alarmnotify "asset-alerting/internal/alarms/notify"
	"asset-alerting/internal/audit"
	"asset-alerting/internal/auth"
	"asset-alerting/internal/bus"
	"asset-alerting/internal/computeadapter"
	"asset-alerting/internal/config"
	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
	storage "asset-alerting/internal/storage/postgres"
	telemetrypostgres "asset-alerting/internal/telemetry/infrastructure/postgres"
	"asset-alerting/internal/telemetry/interfaces/ingest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("config error")
	}
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(cfg.DatabaseURL, logger.WithComponent("migrate")); err != nil {
		log.Fatal().Err(err).Msg("migration error")
	}
	db, err := storage.Open(ctx, cfg.DatabaseURL, storage.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("db open error")
	}
	defer db.Close()

	metrics.Init(db, logger.WithComponent("metrics"))
	auditRepo := audit.NewRepository(db)

	telemetryRepo := telemetrypostgres.NewTelemetryRepository(db)
	ruleRepo := alarmrepo.NewRuleRepository(db)
	logRepo := alarmrepo.NewExecutionLogRepository(db)
	computationRepo := alarmrepo.NewComputationRepository(db)

	resolver := bus.NewTopicResolver(cfg.TopicPrefix, cfg.Topics)
	hub := bus.NewHub()

	var producer *bus.Producer
	if cfg.Kafka.Enabled() && cfg.Kafka.ActionTopic != "" {
		producer, err = bus.NewProducer(cfg.Kafka.BusConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("kafka producer error")
		}
		defer producer.Close()
	}
	var sinks []bus.Sink
	if producer != nil {
		sinks = append(sinks, producer)
	}
	broadcaster, err := bus.NewBroadcaster(hub, sinks...)
	if err != nil {
		log.Fatal().Err(err).Msg("broadcaster error")
	}

	webhooks := alarmnotify.NewWebhookChannel(alarmnotify.WithTimeout(cfg.WebhookTimeout))
	dispatcher, err := alarmapp.NewDispatcher(broadcaster, webhooks, alarmapp.WithMessageRenderer(alarmnotify.NewTemplate()))
	if err != nil {
		log.Fatal().Err(err).Msg("dispatcher error")
	}
	execLogger, err := alarmapp.NewExecutionLogger(logRepo, systemClock{})
	if err != nil {
		log.Fatal().Err(err).Msg("execution logger error")
	}

	states := alarmapp.NewStateTable()
	engineOpts := []alarmapp.EngineOption{
		alarmapp.WithComputationRecorder(computationRepo),
		alarmapp.WithLookbackHours(cfg.LookbackHours),
	}
	if cfg.ComputationBaseURL != "" {
		computation, err := computeadapter.NewClient(cfg.ComputationBaseURL, cfg.ComputationToken)
		if err != nil {
			log.Fatal().Err(err).Msg("computation client error")
		}
		engineOpts = append(engineOpts, alarmapp.WithComputation(computation))
	} else {
		log.Warn().Msg("COMPUTATION_BASE_URL not set, external conditions will evaluate false")
	}
	engine, err := alarmapp.NewEngine(telemetryRepo, dispatcher, execLogger, states, engineOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("engine error")
	}

	scheduler := alarmapp.NewScheduler()
	registry, err := alarmapp.NewRegistry(ruleRepo, engine, states,
		alarmapp.WithScheduler(scheduler),
		alarmapp.WithExecutionLogger(execLogger),
		alarmapp.WithComputationRecords(computationRepo),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("registry error")
	}
	if err := registry.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("rule load error")
	}
	scheduler.Start(ctx)

	telemetryIngest, err := ingest.NewHandler(telemetryRepo, resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry ingest error")
	}
	realtime, err := alarmapp.NewRealtimeTrigger(registry, engine, resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("realtime trigger error")
	}
	inbox := bus.FanOut(telemetryIngest, realtime)

	if cfg.Kafka.Enabled() && cfg.Kafka.SensorTopic != "" {
		consumer, err := bus.NewConsumer(cfg.Kafka.BusConfig(), inbox)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka consumer error")
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	ingestHTTP, err := ingest.NewHTTPHandler(inbox)
	if err != nil {
		log.Fatal().Err(err).Msg("ingest http handler error")
	}
	alarmHandler, err := alarmhttp.NewHandler(registry, states, execLogger,
		alarmhttp.WithAuditLogger(auditRepo),
		alarmhttp.WithComputations(computationRepo),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("alarm handler error")
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), cfg.IngestSkew)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, logger.WithComponent("http")) })
	router.Use(authMiddleware.Wrap)

	alarmHandler.Mount(router)
	router.Method(http.MethodPost, "/ingest/messages", ingestAuth.Wrap(ingestHTTP))
	router.Method(http.MethodGet, "/bus/ws", bus.NewWebsocketHandler(ctx, hub, inbox))
	router.Method(http.MethodGet, "/bus/stream", bus.NewStreamHandler(hub))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	scheduler.Stop()
	realtime.Wait()
	hub.CloseAll()
}

func loggingMiddleware(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", resp.status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
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

// Flush keeps SSE sessions streaming through the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket sessions upgrade through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
