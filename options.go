package tracker

import (
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/BongHwi/delivery-tracker/cache"
	"github.com/BongHwi/delivery-tracker/carrier"
	"github.com/BongHwi/delivery-tracker/cleanup"
	"github.com/BongHwi/delivery-tracker/delivery"
	"github.com/BongHwi/delivery-tracker/monitor"
	"github.com/BongHwi/delivery-tracker/observability"
	"github.com/BongHwi/delivery-tracker/queue"
	"github.com/BongHwi/delivery-tracker/ratelimit"
	"github.com/BongHwi/delivery-tracker/store"
)

// Service is the root package-tracking webhook service: registrations,
// periodic carrier polling, and callback delivery.
type Service struct {
	config    Config
	store     store.Store
	ownsStore bool
	rdb       goredis.UniversalClient
	ownsRedis bool

	carriers *carrier.Registry
	cache    *cache.TrackingCache
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	monitorQueue  *queue.Queue
	deliveryQueue *queue.Queue
	cleanupQueue  *queue.Queue

	monitorWorker  *monitor.Worker
	deliveryWorker *delivery.Worker
	cleanupWorker  *cleanup.Worker

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures a Service instance.
type Option func(*Service) error

// New creates a Service with the given options. The store and Redis client
// are built from the config when not injected; both connect lazily, so
// failures surface at Init.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		config:   DefaultConfig(),
		carriers: carrier.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.store == nil && s.config.DatabaseURL == "" {
		return nil, ErrNoStore
	}
	if s.rdb == nil && s.config.Redis.Host == "" {
		return nil, ErrNoRedis
	}

	if s.store == nil {
		st, err := store.Open(s.config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}
	if s.rdb == nil {
		s.rdb = goredis.NewClient(&goredis.Options{
			Addr:     s.config.Redis.Addr(),
			Password: s.config.Redis.Password,
			DB:       s.config.Redis.DB,
		})
		s.ownsRedis = true
	}
	if s.limiter == nil && s.config.CarrierRateLimit > 0 {
		s.limiter = ratelimit.New()
	}
	s.cache = cache.New(s.config.CacheTTL, s.config.CacheMaxSize)

	s.wireWorkers()
	return s, nil
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		s.config = cfg
		return nil
	}
}

// WithStore sets the persistence backend, overriding Config.DatabaseURL.
// The caller keeps ownership; Close will not close an injected store.
func WithStore(st store.Store) Option {
	return func(s *Service) error {
		s.store = st
		return nil
	}
}

// WithRedis sets the queue backend client. The caller keeps ownership.
func WithRedis(client goredis.UniversalClient) Option {
	return func(s *Service) error {
		s.rdb = client
		return nil
	}
}

// WithRedisOptions dials a dedicated Redis client owned by the Service.
func WithRedisOptions(opts *goredis.Options) Option {
	return func(s *Service) error {
		s.rdb = goredis.NewClient(opts)
		s.ownsRedis = true
		return nil
	}
}

// WithCarrier registers a single carrier.
func WithCarrier(c carrier.Carrier) Option {
	return func(s *Service) error {
		s.carriers.Register(c)
		return nil
	}
}

// WithCarriers replaces the carrier registry.
func WithCarriers(reg *carrier.Registry) Option {
	return func(s *Service) error {
		s.carriers = reg
		return nil
	}
}

// WithLogger sets the structured logger for the Service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the Prometheus metrics sink. Nil disables recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer. Nil disables spans.
func WithTracer(tr *observability.Tracer) Option {
	return func(s *Service) error {
		s.tracer = tr
		return nil
	}
}

// WithRateLimiter injects a shared carrier-call limiter. The per-second
// budget still comes from Config.CarrierRateLimit.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}
