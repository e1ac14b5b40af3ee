package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	goredis "github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	alarmapp "iot-alerting/internal/alarms/application"
	"iot-alerting/internal/alarms/application/events"
	alarms "iot-alerting/internal/alarms/domain"
	alarmrepo "iot-alerting/internal/alarms/infrastructure/postgres"
	alarmcache "iot-alerting/internal/alarms/infrastructure/redis"
	alarmhttp "iot-alerting/internal/alarms/interfaces/http"
	"iot-alerting/internal/alarms/notify"
	"iot-alerting/internal/audit"
	"iot-alerting/internal/auth"
	"iot-alerting/internal/config"
	"iot-alerting/internal/eventing"
	eventingrepo "iot-alerting/internal/eventing/infrastructure/postgres"
	"iot-alerting/internal/observability/logging"
	"iot-alerting/internal/observability/metrics"
	telemetryapp "iot-alerting/internal/telemetry/application"
	telemetrypostgres "iot-alerting/internal/telemetry/infrastructure/postgres"
	telemetryamqp "iot-alerting/internal/telemetry/interfaces/amqp"
	telemetryhttp "iot-alerting/internal/telemetry/interfaces/http"
	telemetrymqtt "iot-alerting/internal/telemetry/interfaces/mqtt"
)

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	redis  *goredis.Client

	service        *alarmapp.Service
	configService  *alarmapp.ConfigService
	partitioner    *alarmapp.Partitioner
	relay          *eventing.Relay
	sweeper        *notify.Sweeper
	broker         *alarmhttp.SSEBroker
	alarmHandler   *alarmhttp.Handler
	ingestHandler  *telemetryhttp.IngestHandler
	amqpConsumer   *telemetryamqp.Consumer
	mqttSubscriber *telemetrymqtt.Subscriber
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	metrics.Init(db, logger)

	a := &app{cfg: cfg, logger: logger, db: db}
	auditRepo := audit.NewRepository(db)

	// Eventing: alarm repository writes envelopes to the outbox in its transaction, the relay
	// moves them onto the in-process bus.
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry(events.Samples()...)
	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db, "processed_events")
	dlqStore := eventingrepo.NewDLQStore(db, "dead_letter_events")
	dispatcher := eventing.NewDispatcher(bus, outboxStore, registry, dlqStore,
		eventing.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		eventing.WithDispatcherLogger(logger),
	)
	a.relay = eventing.NewRelay(dispatcher, cfg.Outbox.Interval, cfg.Outbox.Batch, logger)

	ruleRepo := alarmrepo.NewRuleRepository(db)
	alarmRepo := alarmrepo.NewAlarmRepository(db, outboxStore)
	channelRepo := alarmrepo.NewChannelRepository(db)
	notificationRepo := alarmrepo.NewNotificationRepository(db)
	prefsRepo := alarmrepo.NewPreferencesRepository(db)
	directory := alarmrepo.NewDirectory(db)

	serviceOpts := []alarmapp.ServiceOption{
		alarmapp.WithLogger(logger),
		alarmapp.WithAuditLogger(auditRepo),
		alarmapp.WithTrigger(a.relay),
	}
	if cfg.Redis.Addr != "" {
		a.redis = alarmcache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		serviceOpts = append(serviceOpts, alarmapp.WithSummaryCache(alarmcache.NewSummaryCache(a.redis, cfg.Redis.SummaryTTL)))
	}
	a.service, err = alarmapp.NewService(ruleRepo, alarmRepo, serviceOpts...)
	if err != nil {
		return nil, a.fail(fmt.Errorf("alarm service: %w", err))
	}
	a.configService, err = alarmapp.NewConfigService(ruleRepo, channelRepo, prefsRepo, auditRepo, logger)
	if err != nil {
		return nil, a.fail(fmt.Errorf("config service: %w", err))
	}
	a.partitioner = alarmapp.NewPartitioner(cfg.Evaluator.Workers, cfg.Evaluator.QueueSize, func(ctx context.Context, sample alarms.Sample) error {
		_, err := a.service.Evaluate(ctx, sample)
		return err
	}, logger)

	// Notification fan-out.
	templates, err := notify.NewTemplates(cfg.Notify.TemplatesFile)
	if err != nil {
		return nil, a.fail(fmt.Errorf("notification templates: %w", err))
	}
	httpClient := &http.Client{Timeout: cfg.Notify.SendTimeout}
	sender := notify.NewMultiSender().
		Register(notify.NewWebhookSender(notify.WithHTTPClient(httpClient)), alarms.ChannelWebhook).
		Register(notify.NewSlackSender(httpClient), alarms.ChannelSlack)
	if cfg.SMTP.Host != "" {
		sender.Register(notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Security: cfg.SMTP.Security,
			Timeout:  cfg.SMTP.Timeout,
		}), alarms.ChannelEmail)
	}
	if cfg.Gateway.SMSURL != "" {
		sender.Register(notify.NewSMSSender(cfg.Gateway.SMSURL, cfg.Gateway.APIKey, cfg.Notify.SendTimeout), alarms.ChannelSMS)
	}
	if cfg.Gateway.PushURL != "" {
		sender.Register(notify.NewPushSender(cfg.Gateway.PushURL, cfg.Gateway.APIKey, cfg.Notify.SendTimeout), alarms.ChannelAPNs, alarms.ChannelFCM)
	}
	notifier, err := notify.NewDispatcher(channelRepo, notificationRepo, templates, sender,
		notify.WithLogger(logger),
		notify.WithSendTimeout(cfg.Notify.SendTimeout),
		notify.WithMaxRetries(cfg.Notify.MaxRetries),
		notify.WithRetryPolicy(notify.RetryPolicy{
			Base:                cfg.Notify.BackoffBase,
			Cap:                 cfg.Notify.BackoffCap,
			RateLimitMultiplier: cfg.Notify.RateLimitMultiplier,
		}),
		notify.WithDefaultTimezone(cfg.Notify.DefaultTimezone),
		notify.WithPublicURL(cfg.Service.PublicURL),
		notify.WithPreferences(prefsRepo),
		notify.WithDirectory(directory),
	)
	if err != nil {
		return nil, a.fail(fmt.Errorf("notification dispatcher: %w", err))
	}
	a.sweeper = notify.NewSweeper(notificationRepo, notifier, cfg.Sweeper.Interval, cfg.Sweeper.Batch, cfg.Sweeper.Workers, logger)

	a.broker = alarmhttp.NewSSEBroker(logger)
	eventing.Subscribe(bus, eventing.EventTypeOf[events.AlarmRaised](), "notify.dispatch", notifier.HandleAlarmRaised, processedStore)
	for _, sample := range events.Samples() {
		eventType := eventing.EventType(sample)
		eventing.Subscribe(bus, eventType, "alarms.stream", a.broker.Publish, nil)
		eventing.Subscribe(bus, eventType, "alarms.summary", a.service.InvalidateSummary, nil)
	}

	a.alarmHandler, err = alarmhttp.NewHandler(a.service, a.configService, notificationRepo, a.broker, logger)
	if err != nil {
		return nil, a.fail(fmt.Errorf("alarm handler: %w", err))
	}

	// Telemetry ingestion paths all funnel into the partitioner.
	ingestor, err := telemetryapp.NewIngestor(telemetrypostgres.NewSampleRepository(db), a.partitioner, logger)
	if err != nil {
		return nil, a.fail(fmt.Errorf("ingestor: %w", err))
	}
	a.ingestHandler, err = telemetryhttp.NewIngestHandler(ingestor, logger)
	if err != nil {
		return nil, a.fail(fmt.Errorf("ingest handler: %w", err))
	}
	if cfg.AMQP.URL != "" {
		a.amqpConsumer, err = telemetryamqp.NewConsumer(telemetryamqp.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			Queue:      cfg.AMQP.Queue,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, ingestor, logger)
		if err != nil {
			return nil, a.fail(fmt.Errorf("amqp consumer: %w", err))
		}
	}
	if cfg.MQTT.Broker != "" {
		a.mqttSubscriber, err = telemetrymqtt.NewSubscriber(telemetrymqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, ingestor, logger)
		if err != nil {
			return nil, a.fail(fmt.Errorf("mqtt subscriber: %w", err))
		}
	}
	return a, nil
}

func (a *app) router() http.Handler {
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(a.cfg.Auth.JWTSecret), policy, a.logger)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(a.cfg.Auth.IngestSecret), a.cfg.Auth.IngestMaxSkew)

	r := chi.NewRouter()
	r.Use(logging.Middleware(a.logger))
	r.Use(audit.Middleware)
	r.Use(authMiddleware.Wrap)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/ingest/telemetry", ingestAuth.Wrap(a.ingestHandler))
		a.alarmHandler.Routes(r)
	})
	return r
}

// Close releases the database and cache connections.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *app) fail(err error) error {
	a.Close()
	return err
}
