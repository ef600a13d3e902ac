package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Prediction operations
	SavePrediction(ctx context.Context, tenantID string, pred *Prediction) error
	GetPrediction(ctx context.Context, tenantID string, predID string) (*Prediction, error)
	ListPredictions(ctx context.Context, tenantID string, since time.Time) ([]*Prediction, error)

	// Override configuration operations
	SaveOverrideConfig(ctx context.Context, tenantID string, cfg *OverrideConfig) error
	ListOverrideConfigs(ctx context.Context, tenantID string) ([]*OverrideConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
