// Package rules provides the CEL-Go based policy override engine.
//
// Overrides let a deployment attach actions ("alert", "review") to
// predictions when a boolean expression over the transaction features and
// normalized score holds. They never change the model verdict itself.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates policy overrides.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledOverride
}

type compiledOverride struct {
	config  *domain.OverrideConfig
	program cel.Program
}

// NewEngine creates an override engine with the scoring variables bound.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("account_age_days", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("total_cost", cel.DoubleType),
		cel.Variable("new_account", cel.BoolType),
		cel.Variable("international_transfer", cel.BoolType),
		cel.Variable("unusual_hour", cel.BoolType),
		cel.Variable("risk_flag_count", cel.IntType),
		// Normalized score variables, available post-model.
		cel.Variable("anomaly_score", cel.DoubleType),
		cel.Variable("is_anomaly", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*compiledOverride),
	}, nil
}

// Validate compiles an override without loading it.
func (e *Engine) Validate(cfg *domain.OverrideConfig) error {
	if cfg == nil {
		return fmt.Errorf("override config is required")
	}
	_, err := e.compile(cfg)
	return err
}

// Load compiles and loads a single override into the engine.
func (e *Engine) Load(cfg *domain.OverrideConfig) error {
	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// LoadAll compiles and loads all enabled overrides.
func (e *Engine) LoadAll(configs []*domain.OverrideConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.Load(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reload replaces the loaded set atomically. A compile failure leaves the
// previous set in place.
func (e *Engine) Reload(configs []*domain.OverrideConfig) error {
	next := make(map[string]*compiledOverride)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Evaluate runs all loaded overrides and returns the triggered ones.
// Evaluation errors skip the override; a broken policy must not block
// scoring.
func (e *Engine) Evaluate(ctx context.Context, f *domain.TransactionFeatures, anomalyScore float64, isAnomaly bool) []domain.OverrideResult {
	e.mu.RLock()
	overrides := make([]*compiledOverride, 0, len(e.compiled))
	for _, o := range e.compiled {
		overrides = append(overrides, o)
	}
	e.mu.RUnlock()

	if len(overrides) == 0 {
		return nil
	}

	activation := activationFor(f, anomalyScore, isAnomaly)

	var triggered []domain.OverrideResult
	for _, o := range overrides {
		out, _, err := o.program.Eval(activation)
		if err != nil {
			slog.Warn("override evaluation failed",
				"override_id", o.config.ID,
				"error", err,
			)
			continue
		}

		if b, ok := out.(types.Bool); ok && bool(b) {
			triggered = append(triggered, domain.OverrideResult{
				OverrideID: o.config.ID,
				Name:       o.config.Name,
				Action:     o.config.Action,
				Reason:     o.config.Reason,
			})
		}
	}
	return triggered
}

// Count returns the number of loaded overrides.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Loaded returns the currently loaded override configurations.
func (e *Engine) Loaded() []*domain.OverrideConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.OverrideConfig, 0, len(e.compiled))
	for _, o := range e.compiled {
		configs = append(configs, o.config)
	}
	return configs
}

func activationFor(f *domain.TransactionFeatures, anomalyScore float64, isAnomaly bool) map[string]any {
	var accountAge int64
	if f.AccountAgeDays != nil {
		accountAge = int64(*f.AccountAgeDays)
	}
	var confidence, totalCost float64
	if f.Confidence != nil {
		confidence = *f.Confidence
	}
	if f.TotalCost != nil {
		totalCost = *f.TotalCost
	}

	return map[string]any{
		"amount":                 f.Amount,
		"account_age_days":       accountAge,
		"confidence":             confidence,
		"total_cost":             totalCost,
		"new_account":            f.NewAccount,
		"international_transfer": f.InternationalTransfer,
		"unusual_hour":           f.UnusualHour,
		"risk_flag_count":        int64(f.RiskFlagCount),
		"anomaly_score":          anomalyScore,
		"is_anomaly":             isAnomaly,
	}
}

func (e *Engine) compile(cfg *domain.OverrideConfig) (*compiledOverride, error) {
	if cfg.Action != domain.OverrideActionAlert && cfg.Action != domain.OverrideActionReview {
		return nil, fmt.Errorf("override %s: unknown action %q", cfg.ID, cfg.Action)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile override %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("override %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for override %s: %w", cfg.ID, err)
	}

	return &compiledOverride{
		config:  cfg,
		program: program,
	}, nil
}
