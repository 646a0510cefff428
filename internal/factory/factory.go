package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"account-security/internal/bucketing"
	"account-security/internal/client"
	"account-security/internal/config"
	"account-security/internal/encryption"
	"account-security/internal/handler"
	"account-security/internal/hashing"
	"account-security/internal/metrics"
	"account-security/internal/notify"
	"account-security/internal/repository"
	"account-security/internal/repository/memory"
	"account-security/internal/repository/postgres"
	redisrepo "account-security/internal/repository/redis"
	"account-security/internal/repository/scylla"
	"account-security/internal/service"
	"account-security/internal/tls"
	"account-security/internal/token"
	"account-security/internal/util"
)

const initTimeout = 30 * time.Second

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	pgPool        *pgxpool.Pool
	kafkaProducer *client.KafkaProducer

	// Managers
	hasher            hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	accounts repository.AccountRepository
	otps     repository.OTPRepository
	notifier notify.Notifier

	serviceFactory *service.ServiceFactory
	issuer         *token.Issuer
	decoder        handler.PasswordDecoder
	registry       *prometheus.Registry

	checks []healthCheck

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment, initializes logging and
// builds every dependency.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	return New(ctx, cfg)
}

// New builds every dependency from cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	if err := f.initialize(ctx); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("account_store", cfg.Storage.Accounts),
		util.String("otp_store", cfg.Storage.OTP),
		util.String("notifier", cfg.Notifier.Kind),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

func (f *Factory) initialize(ctx context.Context) error {
	if err := f.initializeManagers(ctx); err != nil {
		return fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeStores(ctx); err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := f.initializeNotifier(); err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	issuer, err := token.NewIssuer(f.config.JWT)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}
	f.issuer = issuer

	if key := f.config.Transport.AESKey; key != "" {
		decoder, err := encryption.NewTransportDecoder(key)
		if err != nil {
			return fmt.Errorf("failed to initialize transport decoder: %w", err)
		}
		f.decoder = decoder
	}

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.RegisterMetrics(f.registry)

	f.serviceFactory = service.NewServiceFactory(f.accounts, f.otps, f.hasher, f.notifier, util.Get())
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	h := f.config.Hashing
	hasher, err := hashing.New(h.Algorithm, hashing.Argon2Params{
		Memory:      uint32(h.Argon2MemoryCost),
		Iterations:  uint32(h.Argon2TimeCost),
		Parallelism: uint8(h.Argon2Parallelism),
		KeyLength:   uint32(h.Argon2KeyLength),
	})
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	if hasher.Algorithm() != hashing.AlgorithmArgon2id {
		util.Warn("Using a legacy password hash algorithm", util.String("algorithm", hasher.Algorithm()))
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.AccountBuckets)

	util.Info("Managers initialized successfully",
		util.String("hash_algorithm", hasher.Algorithm()),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
	)
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	switch f.config.Storage.Accounts {
	case "memory":
		f.accounts = memory.NewAccountRepository()
	case "postgres":
		pool, err := f.postgresPool(ctx)
		if err != nil {
			return err
		}
		f.accounts = postgres.NewAccountRepository(pool)
	case "scylla":
		sc, err := f.scylla(ctx)
		if err != nil {
			return err
		}
		f.accounts = scylla.NewAccountRepository(sc, f.bucketingManager)
	default:
		return fmt.Errorf("unknown account store %q", f.config.Storage.Accounts)
	}

	switch f.config.Storage.OTP {
	case "memory":
		f.otps = memory.NewOTPRepository()
	case "postgres":
		pool, err := f.postgresPool(ctx)
		if err != nil {
			return err
		}
		f.otps = postgres.NewOTPRepository(pool, f.encryptionManager)
	case "scylla":
		sc, err := f.scylla(ctx)
		if err != nil {
			return err
		}
		f.otps = scylla.NewOTPRepository(sc, f.encryptionManager)
	case "redis":
		rc, err := client.NewRedisClient(f.config.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		if err := rc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		f.otps = redisrepo.NewOTPCache(rc, f.encryptionManager)
	default:
		return fmt.Errorf("unknown otp store %q", f.config.Storage.OTP)
	}

	f.checks = append(f.checks,
		healthCheck{"account_store", f.accounts.HealthCheck},
		healthCheck{"otp_store", f.otps.HealthCheck},
	)
	return nil
}

func (f *Factory) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}
	if f.config.Postgres.RunMigrations {
		if err := postgres.RunMigrations(ctx, f.config.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}
	pool, err := postgres.NewPool(ctx, f.config.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	f.pgPool = pool
	return pool, nil
}

func (f *Factory) scylla(ctx context.Context) (*scylla.ScyllaClient, error) {
	if f.scyllaClient != nil {
		return f.scyllaClient, nil
	}
	sc, err := scylla.NewScyllaClient(f.config)
	if err != nil {
		return nil, fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = sc
	if err := sc.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("scylla schema: %w", err)
	}
	return sc, nil
}

func (f *Factory) initializeNotifier() error {
	switch f.config.Notifier.Kind {
	case "log":
		f.notifier = notify.NewLogNotifier(util.Get())
	case "smtp":
		n, err := notify.NewSMTPNotifier(f.config.SMTP, util.Get())
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		f.notifier = n
	case "kafka":
		producer, err := client.NewKafkaProducer(f.config.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = producer
		f.notifier = notify.NewKafkaNotifier(producer, f.config.Kafka.NotificationTopic, util.Get())
		f.checks = append(f.checks, healthCheck{"kafka", producer.HealthCheck})
	default:
		return fmt.Errorf("unknown notifier %q", f.config.Notifier.Kind)
	}
	return nil
}

// HealthCheck runs every dependency check concurrently and returns the first failure.
func (f *Factory) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, hc := range f.checks {
		hc := hc
		g.Go(func() error {
			if err := hc.check(ctx); err != nil {
				return fmt.Errorf("%s: %w", hc.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Router builds the HTTP handler over the account and OTP services.
func (f *Factory) Router() (http.Handler, error) {
	accounts, err := f.serviceFactory.AccountService()
	if err != nil {
		return nil, err
	}
	otps, err := f.serviceFactory.OtpService()
	if err != nil {
		return nil, err
	}
	h := handler.NewAccountHandler(accounts, otps, f.issuer, f.decoder, util.Get())
	return handler.NewRouter(h, f.HealthCheck, f.registry, f.config.Server, util.Get()), nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.pgPool != nil {
			f.pgPool.Close()
			util.Info("PostgreSQL pool closed")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
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

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Registry() *prometheus.Registry {
	return f.registry
}
