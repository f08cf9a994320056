package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"attendance-service/internal/auth"
	"attendance-service/internal/bucketing"
	"attendance-service/internal/client"
	"attendance-service/internal/clock"
	"attendance-service/internal/config"
	"attendance-service/internal/encryption"
	"attendance-service/internal/events"
	"attendance-service/internal/feed"
	"attendance-service/internal/handler"
	"attendance-service/internal/hashing"
	redisrepo "attendance-service/internal/repository/redis"
	"attendance-service/internal/repository/scylla"
	"attendance-service/internal/roster"
	"attendance-service/internal/service"
	"attendance-service/internal/tls"
	"attendance-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Attendance core
	rosterGate     service.RosterGate
	dispatcher     *events.Dispatcher
	hub            *feed.Hub
	sessionManager *service.SessionManager
	scanVerifier   *service.ScanVerifier
	tokenIssuer    *auth.TokenIssuer

	closeOnce sync.Once
}

// NewFactory wires every dependency. Outside production, unreachable
// backends are logged and skipped.
func NewFactory(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		clock:  clock.Real(),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, util.Get())
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeAttendance(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize attendance core: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.String("roster_source", cfg.Attendance.RosterSource),
	)

	return factory, nil
}

// initializeClients initializes all enabled external service clients
func (f *Factory) initializeClients() error {
	var initErrors []error

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if f.config.Attendance.RosterSource == "scylla" {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			f.Close()
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config, f.clock, util.Get())
	if err != nil {
		return err
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient, f.clock, util.Get())
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentVersion()),
		util.Int("session_shards", f.bucketingManager.SessionShards()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) initializeAttendance() error {
	logger := util.Get()
	att := f.config.Attendance

	gate, err := f.buildRoster()
	if err != nil {
		return err
	}
	f.rosterGate = gate

	f.dispatcher = events.NewDispatcher(
		f.buildSinks(),
		events.NewEncoder(f.encryptionManager, f.hasher, f.bucketingManager),
		f.bucketingManager,
		att.EventQueueSize,
		att.EventWorkers,
		logger,
	)

	f.hub = feed.NewHub(logger)

	opts := []service.ManagerOption{
		service.WithPublisher(f.dispatcher),
		service.WithNotifier(f.hub),
	}
	var limiter service.ScanLimiter
	if f.redisClient != nil {
		opts = append(opts, service.WithKeyGuard(redisrepo.NewKeyLease(f.redisClient)))
		limiter = redisrepo.NewRateLimitCache(f.redisClient, att.ScanRateLimit, att.ScanRateWindow)
	}

	f.sessionManager = service.NewSessionManager(service.ManagerConfig{
		RotationInterval: att.RotationInterval,
		IdleCycles:       att.IdleCycles,
		MaxDuration:      att.MaxDuration,
		ClosedRetention:  att.ClosedRetention,
		SweepInterval:    att.SweepInterval,
	}, f.clock, f.bucketingManager, logger, opts...)
	f.hub.BindAcknowledger(f.sessionManager)

	f.scanVerifier = service.NewScanVerifier(f.sessionManager, f.rosterGate, limiter, logger)
	f.tokenIssuer = auth.NewTokenIssuer(f.config.Auth, f.clock)
	return nil
}

func (f *Factory) buildRoster() (service.RosterGate, error) {
	if f.config.Attendance.RosterSource == "static" || f.scyllaClient == nil {
		if f.config.Attendance.RosterSource == "scylla" {
			util.Warn("Scylla unavailable, using static roster")
		}
		return roster.ParseStatic(f.config.Attendance.StaticRoster)
	}

	var gate roster.Gate = scylla.NewRosterRepository(f.scyllaClient, util.Get())
	if f.redisClient != nil {
		cache := redisrepo.NewRosterCache(f.redisClient, f.config.Attendance.RosterCacheTTL)
		gate = roster.NewCachedGate(gate, cache, util.Get())
	}
	return gate, nil
}

func (f *Factory) buildSinks() []events.Sink {
	var sinks []events.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.config.Kafka.ScanTopic, f.config.Kafka.SessionTopic))
	}
	if f.clickhouseClient != nil {
		sink := events.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse schema setup failed, sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
		cancel()
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewESSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if len(sinks) == 0 {
		util.Warn("No history sinks configured; scan events stay in memory only")
	}
	return sinks
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	logger := util.Get()
	sessions := handler.NewSessionHandler(
		f.sessionManager,
		f.scanVerifier,
		f.rosterGate,
		f.hub,
		f.config.Server.AllowedOrigins,
		logger,
	)
	health := handler.NewHealthHandler(f.HealthChecks(), f.sessionManager, logger)
	return handler.NewRouter(handler.RouterConfig{
		RequireTLS:     f.config.Server.EnableTLS,
		AllowedOrigins: f.config.Server.AllowedOrigins,
		RequestTimeout: f.config.Server.WriteTimeout,
	}, sessions, health, f.tokenIssuer, logger)
}

// HealthChecks returns a probe per connected backend.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	return checks
}

// Run starts the background workers and blocks until ctx is done.
func (f *Factory) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	if f.config.IsProduction() && f.config.Hashing.Pepper == "" {
		go f.hasher.RunPepperRotation(stop)
	}
	f.sessionManager.RunSweeper(ctx)
}

// Close shuts down in reverse dependency order: sessions, then the event
// pipeline, then clients.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if f.sessionManager != nil {
			f.sessionManager.Shutdown(ctx)
		}

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Event dispatcher did not drain", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) SessionManager() *service.SessionManager {
	return f.sessionManager
}

func (f *Factory) TokenIssuer() *auth.TokenIssuer {
	return f.tokenIssuer
}
