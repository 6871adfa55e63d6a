package main

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/teei-platform/semaphore/internal/bridge"
	"github.com/teei-platform/semaphore/internal/bus"
	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/internal/handlers"
	"github.com/teei-platform/semaphore/internal/metrics"
	"github.com/teei-platform/semaphore/internal/registry"
	"github.com/teei-platform/semaphore/internal/replay"
	"github.com/teei-platform/semaphore/internal/snapshot"
	"github.com/teei-platform/semaphore/pkg/auth"
	"github.com/teei-platform/semaphore/pkg/config"
	"github.com/teei-platform/semaphore/pkg/logging"
	"github.com/teei-platform/semaphore/pkg/monitoring"
	"github.com/teei-platform/semaphore/pkg/server"
	"github.com/teei-platform/semaphore/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("semaphore")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Semaphore (Realtime Event Fan-out)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("semaphore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("semaphore", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		ActiveStreams:      metricsCollector.NewGauge("stream_connections_active", "Active stream connections", []string{"transport"}),
		EventsFannedOut:    metricsCollector.NewCounter("events_fanned_out_total", "Envelopes delivered to live connections", []string{"type"}),
		EnvelopesDropped:   metricsCollector.NewCounter("envelopes_dropped_total", "Droppable envelopes evicted from full queues", []string{"type"}),
		ConnectionsEvicted: metricsCollector.NewCounter("connections_evicted_total", "Connections force-closed by the registry", []string{"reason"}),
		ResumeRequests:     metricsCollector.NewCounter("resume_requests_total", "Stream resume attempts", []string{"outcome"}),
		FanoutLag:          metricsCollector.NewHistogram("fanout_lag_seconds", "Latency from event production to fan-out", []string{"type"}, nil),
	}

	// Create Kafka metrics
	serviceMetrics.KafkaMessages, serviceMetrics.KafkaDuration, serviceMetrics.KafkaLag = metricsCollector.CreateKafkaMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Replay cache: per-tenant ring with TTL sweep
	replayCapacity := config.GetEnvInt("REPLAY_CAPACITY", replay.DefaultCapacity)
	replayTTL := config.GetEnvDuration("REPLAY_TTL", replay.DefaultTTL)
	replayCache := replay.NewCache(replayCapacity, replayTTL, logger)
	go replayCache.StartSweeper(ctx, config.GetEnvDuration("REPLAY_SWEEP_INTERVAL", replay.DefaultSweepInterval))

	// Connection registry with idle sweep
	queueCapacity := config.GetEnvInt("QUEUE_CAPACITY", registry.DefaultQueueCapacity)
	reg := registry.New(queueCapacity, logger)
	reg.OnEvict = func(conn *registry.Connection, reason string) {
		serviceMetrics.ConnectionsEvicted.WithLabelValues(reason).Inc()
	}
	reg.OnDrop = func(conn *registry.Connection, env envelope.Envelope) {
		serviceMetrics.EnvelopesDropped.WithLabelValues(string(env.Type)).Inc()
	}
	go reg.StartSweeper(ctx,
		config.GetEnvDuration("IDLE_SWEEP_INTERVAL", registry.DefaultSweepInterval),
		config.GetEnvDuration("IDLE_THRESHOLD", registry.DefaultIdleThreshold))

	// Snapshot store: Redis when configured, process memory otherwise
	var store snapshot.Store = snapshot.NewMemoryStore()
	if redisAddrs := config.GetEnv("REDIS_ADDRS", ""); redisAddrs != "" {
		redisClient := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    strings.Split(redisAddrs, ","),
			Password: config.GetEnv("REDIS_PASSWORD", ""),
		})
		store = snapshot.NewRedisStore(redisClient)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	builder := snapshot.NewBuilder(store, logger)

	// Fan-out bridge and bus adapter
	br := bridge.New(replayCache, reg, builder, logger, serviceMetrics)
	adapter := bus.NewAdapter(br.HandleEnvelope, logger)

	// Setup Kafka consumer
	brokers := strings.Split(config.RequireEnv("KAFKA_BROKERS"), ",")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "semaphore-group")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "semaphore")
	topicsEnv := config.GetEnv("KAFKA_TOPICS", "metrics.events,journey.events,q2q.events")
	topics := strings.Split(topicsEnv, ",")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	handleMessage := func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		err := adapter.HandleMessage(ctx, msg)
		status := "ok"
		if err != nil {
			status = "error"
		}
		serviceMetrics.KafkaMessages.WithLabelValues(msg.Topic, "consume", status).Inc()
		serviceMetrics.KafkaDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())
		return err
	}

	consumer, err := bus.NewConsumer(brokers, groupID, clientID, topics, handleMessage, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
	}
	defer consumer.Close()

	// Add health checks
	healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": strings.Join(brokers, ","),
		"KAFKA_TOPICS":  topicsEnv,
	}))

	// Start Kafka consumer
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	// Initialize handlers
	semaphoreHandlers := handlers.NewSemaphoreHandlers(reg, replayCache, store, adapter, logger, serviceMetrics)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "semaphore", healthChecker, metricsCollector)

	// Tenant-scoped stream and snapshot routes
	v1 := router.Group("/v1")
	v1.Use(auth.TenantAuthMiddleware([]byte(jwtSecret)))
	v1.GET("/stream", semaphoreHandlers.HandleStream)
	v1.GET("/ws", semaphoreHandlers.HandleWebSocket)
	v1.GET("/tenant/:tenantId/latest-snapshot", semaphoreHandlers.HandleLatestSnapshot)
	v1.GET("/stats", semaphoreHandlers.HandleStats)

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	admin.POST("/publish", semaphoreHandlers.HandlePublish)

	router.NoRoute(semaphoreHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("semaphore", "18010")
	serverConfig.IdleTimeout = 20 * time.Minute
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
