package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/tenant-isolation/auth"
	"github.com/upb/tenant-isolation/config"
	"github.com/upb/tenant-isolation/handlers"
	"github.com/upb/tenant-isolation/internal/publisher"
	"github.com/upb/tenant-isolation/middleware"
	"github.com/upb/tenant-isolation/repositories"
	"github.com/upb/tenant-isolation/repositories/memory"
	"github.com/upb/tenant-isolation/repositories/postgres"
	"github.com/upb/tenant-isolation/services/audit"
	"github.com/upb/tenant-isolation/services/events"
	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/services/ratelimit"
	"github.com/upb/tenant-isolation/tenancy"
	"go.uber.org/zap"
)

const (
	cacheCleanupInterval = time.Minute
	quotaCleanupInterval = 10 * time.Minute
	quotaRetention       = 24 * time.Hour
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// RepoFactory is nil when storage runs in memory
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Isolation layer
	Resolver  *tenancy.Resolver
	Guard     *guard.Guard
	Emitter   *events.Emitter
	Audit     *audit.Service
	Publisher *publisher.KafkaEventPublisher

	// Quotas is nil when quotas are disabled
	Quotas *ratelimit.Service

	// Auth. TokenValidator is nil when tokens are verified against a JWKS.
	TokenValidator *auth.JWTValidator
	JWKSValidator  *auth.JWKSValidator

	// Middleware
	AuthMiddleware   *middleware.AuthMiddleware
	TenantMiddleware *middleware.TenantMiddleware
	AuditMiddleware  *middleware.AuditMiddleware
	QuotaMiddleware  *middleware.QuotaMiddleware

	// Handlers
	HealthHandler   *handlers.HealthHandler
	ContextHandler  *handlers.ContextHandler
	DocumentHandler *handlers.DocumentHandler
	AuditHandler    *handlers.AuditHandler
	EventHandler    *handlers.EventHandler
	SecurityHandler *handlers.SecurityHandler

	stopCleanup chan struct{}
	stopQuotaGC context.CancelFunc
	quotaGCDone chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
// Background workers are started before it returns; call Close to stop them.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initIsolation(); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize tenant isolation: %w", err)
	}

	if err := deps.initEvents(); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := deps.initAuth(); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.initHTTP()

	if err := deps.start(); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("kafka_forwarding", deps.Publisher != nil))
	return deps, nil
}

// initStorage opens the configured stores. Documents always live in memory;
// identity, events and audit follow the storage driver.
func (d *Dependencies) initStorage(ctx context.Context) error {
	documents := memory.NewDocumentStore(d.Logger)

	if !d.Config.UsesPostgres() {
		identity := memory.NewIdentityStore()
		if err := tenancy.SeedCatalog(ctx, identity); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		d.Repos = &repositories.Repositories{
			Documents:  documents,
			Identity:   identity,
			Events:     memory.NewEventStore(),
			Audit:      memory.NewAuditStore(),
			RateLimits: memory.NewRateLimitStore(),
		}
		d.Logger.Info("using in-memory storage")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.RepoFactory = factory
	d.Repos = factory.NewRepositories(documents)
	d.Logger.Info("using postgres storage",
		zap.String("connection", d.Config.Database.LogString()),
		zap.Bool("separate_audit_db", d.Config.AuditDatabase != nil))
	return nil
}

func (d *Dependencies) initIsolation() error {
	tc := d.Config.Tenancy

	resolverCfg := tenancy.DefaultResolverConfig()
	if tc.OrgHeader != "" {
		resolverCfg.OrgHeader = tc.OrgHeader
	}
	if tc.OrgQueryParam != "" {
		resolverCfg.OrgQueryParam = tc.OrgQueryParam
	}
	if tc.PermissionCacheTTL > 0 {
		resolverCfg.PermissionCacheTTL = tc.PermissionCacheTTL
	}
	if tc.FeatureCacheTTL > 0 {
		resolverCfg.FeatureCacheTTL = tc.FeatureCacheTTL
	}
	d.Resolver = tenancy.NewResolver(d.Repos.Identity, resolverCfg, d.Logger)

	registry := guard.DefaultRegistry()
	if tc.HasCustomRegistry() {
		custom, err := guard.NewRegistry(tc.TenantCollections, tc.GlobalCollections, tc.MixedCollections)
		if err != nil {
			return fmt.Errorf("invalid collection registry: %w", err)
		}
		registry = custom
	}

	guardCfg := guard.DefaultConfig()
	if tc.ViolationBufferSize > 0 {
		guardCfg.ViolationBufferSize = tc.ViolationBufferSize
	}
	d.Guard = guard.NewGuard(registry, guardCfg, d.Logger)

	auditCfg := audit.DefaultConfig()
	auditCfg.Async = d.Config.Audit.Async
	if d.Config.Audit.BufferSize > 0 {
		auditCfg.BufferSize = d.Config.Audit.BufferSize
	}
	if d.Config.Audit.WorkerCount > 0 {
		auditCfg.WorkerCount = d.Config.Audit.WorkerCount
	}
	d.Audit = audit.NewService(d.Repos.Audit, d.Repos.Identity, auditCfg, d.Logger)

	if d.Config.Quota.Enabled {
		plans := make(map[string]ratelimit.Limits, len(d.Config.Quota.Plans))
		for plan, q := range d.Config.Quota.Plans {
			plans[plan] = ratelimit.Limits{
				RequestsPerMinute: q.RequestsPerMinute,
				RequestsPerHour:   q.RequestsPerHour,
				RequestsPerDay:    q.RequestsPerDay,
			}
		}
		d.Quotas = ratelimit.NewService(d.Repos.RateLimits, plans, d.Logger)
	}

	return nil
}

func (d *Dependencies) initEvents() error {
	ec := d.Config.Events

	emitterCfg := events.DefaultConfig()
	if ec.QueueSize > 0 {
		emitterCfg.QueueSize = ec.QueueSize
	}
	if ec.OverflowPolicy != "" {
		emitterCfg.Overflow = events.OverflowPolicy(ec.OverflowPolicy)
	}
	if ec.EnqueueTimeout > 0 {
		emitterCfg.EnqueueTimeout = ec.EnqueueTimeout
	}
	d.Emitter = events.NewEmitter(d.Repos.Events, emitterCfg, d.Logger)

	if !ec.Kafka.Enabled() {
		d.Logger.Info("kafka forwarding disabled")
		return nil
	}

	p, err := publisher.NewKafkaEventPublisher(ec.Kafka.BootstrapServers, ec.Kafka.Topic, d.Logger)
	if err != nil {
		return err
	}
	d.Publisher = p
	d.Emitter.On(publisher.HandlerName, p.Handle)
	return nil
}

func (d *Dependencies) initAuth() error {
	if d.Config.Auth.JWKSURL != "" {
		validator, err := auth.NewJWKSValidator(auth.JWKSConfig{
			URL:      d.Config.Auth.JWKSURL,
			Issuer:   d.Config.Auth.JWTIssuer,
			Audience: d.Config.Auth.JWTAudience,
		})
		if err != nil {
			return err
		}
		d.JWKSValidator = validator
		d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
		d.Logger.Info("validating tokens against jwks", zap.String("url", d.Config.Auth.JWKSURL))
		return nil
	}

	validator, err := auth.NewJWTValidator(auth.Config{
		Secret:   d.Config.Auth.JWTSecret,
		Issuer:   d.Config.Auth.JWTIssuer,
		Audience: d.Config.Auth.JWTAudience,
	})
	if err != nil {
		return err
	}
	d.TokenValidator = validator
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

func (d *Dependencies) initHTTP() {
	d.TenantMiddleware = middleware.NewTenantMiddleware(d.Resolver, d.Audit,
		d.Config.Tenancy.OrgHeader, d.Config.Tenancy.OrgQueryParam, d.Logger)
	d.AuditMiddleware = middleware.NewAuditMiddleware(d.Audit, d.Logger)
	if d.Quotas != nil {
		d.QuotaMiddleware = middleware.NewQuotaMiddleware(d.Quotas, d.Logger)
	}

	var db *sql.DB
	if d.RepoFactory != nil {
		db = d.RepoFactory.GetDB().DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, d.Emitter, d.Logger)
	d.ContextHandler = handlers.NewContextHandler(d.Logger)
	d.DocumentHandler = handlers.NewDocumentHandler(d.Repos.Documents, d.Guard, d.Emitter, d.Audit, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
	d.EventHandler = handlers.NewEventHandler(d.Emitter, d.Logger)
	d.SecurityHandler = handlers.NewSecurityHandler(d.Guard, d.Logger)
}

func (d *Dependencies) start() error {
	if err := d.Emitter.Start(); err != nil {
		return err
	}
	if err := d.Audit.Start(); err != nil {
		return err
	}
	d.stopCleanup = make(chan struct{})
	d.Resolver.StartCacheCleanup(cacheCleanupInterval, d.stopCleanup)

	if d.Quotas != nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.stopQuotaGC = cancel
		d.quotaGCDone = make(chan struct{})
		interval, retention := d.Config.Quota.CleanupInterval, d.Config.Quota.Retention
		if interval <= 0 {
			interval = quotaCleanupInterval
		}
		if retention <= 0 {
			retention = quotaRetention
		}
		go func() {
			defer close(d.quotaGCDone)
			d.Quotas.StartCleanupWorker(ctx, interval, retention)
		}()
	}
	return nil
}

// Close gracefully shuts down all dependencies. Queued events and audit
// entries are drained before the stores close.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	timeout := d.Config.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var errs []error

	if d.stopCleanup != nil {
		close(d.stopCleanup)
		d.stopCleanup = nil
	}

	if d.stopQuotaGC != nil {
		d.stopQuotaGC()
		<-d.quotaGCDone
		d.stopQuotaGC = nil
	}

	if d.Emitter != nil && d.Emitter.Stats().Running {
		if err := d.Emitter.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop event emitter: %w", err))
		}
	}

	if d.Audit != nil {
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Publisher != nil {
		d.Publisher.Close()
	}

	if err := d.closeStorage(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeStorage() error {
	if d.RepoFactory == nil {
		return nil
	}
	err := d.RepoFactory.Close()
	d.RepoFactory = nil
	if err == nil {
		d.Logger.Info("database connection closed")
	}
	return err
}
