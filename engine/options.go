package engine

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/flowgraph-go/engine/emit"
)

// Options configures Runtime execution behavior. Zero values are valid;
// the Runtime falls back to sensible defaults.
type Options struct {
	// MaxStepsPerCycle limits how many node executions one cooperative
	// cycle may perform, guarding against definition loops. Default 1000.
	MaxStepsPerCycle int

	// MaxGatewayDecisions bounds per-node gateway decision history.
	// Default DefaultMaxGatewayDecisions.
	MaxGatewayDecisions int
}

// Option is a functional option for configuring a Runtime.
type Option func(*runtimeConfig) error

// runtimeConfig collects options before they are applied to a Runtime.
type runtimeConfig struct {
	opts       Options
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	conditions ConditionEvaluator
	flags      FlagProvider
	httpClient *http.Client
	now        func() time.Time
	actions    []ActionExecutor
	executors  []NodeExecutor
}

// WithMaxStepsPerCycle limits node executions per cooperative cycle.
func WithMaxStepsPerCycle(n int) Option {
	return func(cfg *runtimeConfig) error {
		if n <= 0 {
			return fmt.Errorf("max steps per cycle must be positive, got %d", n)
		}
		cfg.opts.MaxStepsPerCycle = n
		return nil
	}
}

// WithMaxGatewayDecisions bounds per-node gateway decision history.
func WithMaxGatewayDecisions(n int) Option {
	return func(cfg *runtimeConfig) error {
		if n <= 0 {
			return fmt.Errorf("max gateway decisions must be positive, got %d", n)
		}
		cfg.opts.MaxGatewayDecisions = n
		return nil
	}
}

// WithEmitter sets the observability emitter. Nil is allowed and disables
// emission.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *runtimeConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *runtimeConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithConditionEvaluator replaces the built-in condition evaluator.
func WithConditionEvaluator(ce ConditionEvaluator) Option {
	return func(cfg *runtimeConfig) error {
		if ce == nil {
			return fmt.Errorf("condition evaluator cannot be nil")
		}
		cfg.conditions = ce
		return nil
	}
}

// WithFlagProvider sets the feature-flag provider used by featureFlag
// gateways. Without a provider, featureFlag gateways always fall back to
// their offTarget.
func WithFlagProvider(fp FlagProvider) Option {
	return func(cfg *runtimeConfig) error {
		cfg.flags = fp
		return nil
	}
}

// WithHTTPClient sets the HTTP client used by the webhook action.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *runtimeConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithClock replaces the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *runtimeConfig) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithActionExecutor registers an additional automatic-action executor
// alongside the built-in noop and webhook actions.
func WithActionExecutor(exec ActionExecutor) Option {
	return func(cfg *runtimeConfig) error {
		if exec == nil {
			return fmt.Errorf("action executor cannot be nil")
		}
		cfg.actions = append(cfg.actions, exec)
		return nil
	}
}

// WithNodeExecutor registers a custom node executor ahead of the built-in
// executors. Dispatch picks the first executor whose CanExecute matches.
func WithNodeExecutor(exec NodeExecutor) Option {
	return func(cfg *runtimeConfig) error {
		if exec == nil {
			return fmt.Errorf("node executor cannot be nil")
		}
		cfg.executors = append(cfg.executors, exec)
		return nil
	}
}
