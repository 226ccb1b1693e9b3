package postgres

import (
	"context"

	"github.com/upb/tenant-isolation/config"
	"github.com/upb/tenant-isolation/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory opens the database pools and builds the Postgres stores
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for audit logs
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// InitSchema creates the tables on the main database and, when configured,
// the audit table on the audit database
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.InitAuditSchema(ctx)
	}
	return nil
}

// NewRepositories builds the identity, event, rate limit and audit stores.
// The document store is supplied by the caller.
func (f *RepositoryFactory) NewRepositories(documents repositories.DocumentStore) *repositories.Repositories {
	auditDB := f.db
	if f.auditDB != nil {
		auditDB = f.auditDB
	}
	return &repositories.Repositories{
		Documents:  documents,
		Identity:   NewIdentityStore(f.db, f.logger),
		Events:     NewEventStore(f.db, NewTransactionManager(f.db, f.logger), f.logger),
		Audit:      NewAuditRepository(auditDB, f.logger),
		RateLimits: NewRateLimitStore(f.db, f.logger),
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}
