// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePrediction stores a prediction with tenant isolation.
func (r *SQLRepository) SavePrediction(ctx context.Context, tenantID string, pred *domain.Prediction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(pred.Features)
	overrides, _ := json.Marshal(pred.Overrides)
	metadata, _ := json.Marshal(pred.Metadata)

	isAnomaly := 0
	if pred.IsAnomaly {
		isAnomaly = 1
	}

	query := `
		INSERT INTO predictions (
			id, tenant_id, anomaly_score, is_anomaly, confidence,
			explanation, raw_score, features, overrides, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pred.ID, tenantID,
		pred.AnomalyScore, isAnomaly, pred.Confidence,
		pred.Explanation, pred.RawScore,
		string(features), string(overrides), string(metadata),
		pred.Timestamp,
	)
	return err
}

// GetPrediction retrieves a prediction by ID with tenant isolation.
func (r *SQLRepository) GetPrediction(ctx context.Context, tenantID string, predID string) (*domain.Prediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, anomaly_score, is_anomaly, confidence,
			   explanation, raw_score, features, overrides, metadata, timestamp
		FROM predictions
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, predID)

	pred, err := scanPrediction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pred, nil
}

// ListPredictions retrieves predictions made after the given time, newest first.
func (r *SQLRepository) ListPredictions(ctx context.Context, tenantID string, since time.Time) ([]*domain.Prediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, anomaly_score, is_anomaly, confidence,
			   explanation, raw_score, features, overrides, metadata, timestamp
		FROM predictions
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []*domain.Prediction
	for rows.Next() {
		pred, err := scanPrediction(rows.Scan)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, pred)
	}

	return predictions, rows.Err()
}

func scanPrediction(scan func(dest ...any) error) (*domain.Prediction, error) {
	var pred domain.Prediction
	var isAnomaly int
	var features, overrides, metadata string

	err := scan(
		&pred.ID, &pred.TenantID,
		&pred.AnomalyScore, &isAnomaly, &pred.Confidence,
		&pred.Explanation, &pred.RawScore,
		&features, &overrides, &metadata,
		&pred.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	pred.IsAnomaly = isAnomaly == 1
	if err := json.Unmarshal([]byte(features), &pred.Features); err != nil {
		return nil, fmt.Errorf("failed to parse features for %s: %w", pred.ID, err)
	}
	if overrides != "" && overrides != "null" {
		json.Unmarshal([]byte(overrides), &pred.Overrides)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &pred.Metadata)
	}

	return &pred, nil
}

// SaveOverrideConfig stores an override configuration with tenant isolation.
func (r *SQLRepository) SaveOverrideConfig(ctx context.Context, tenantID string, cfg *domain.OverrideConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO override_configs (
			id, tenant_id, name, description, version, expression, action, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			action = excluded.action,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, tenantID, cfg.Name, cfg.Description,
		cfg.Version, cfg.Expression, cfg.Action, cfg.Reason, enabled,
		now, now,
	)
	return err
}

// ListOverrideConfigs retrieves all active override configurations for a tenant.
func (r *SQLRepository) ListOverrideConfigs(ctx context.Context, tenantID string) ([]*domain.OverrideConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, action, reason, enabled
		FROM override_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.OverrideConfig
	for rows.Next() {
		var cfg domain.OverrideConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &cfg.Action, &cfg.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
