package engine

import "fmt"

// FeatureFlagStrategy routes to one of two targets based on a boolean
// feature flag queried from an external provider.
//
// Config keys:
//
//	flag      — the flag key to query (required)
//	onTarget  — target node when the flag is enabled (required)
//	offTarget — target node when the flag is disabled (required)
//	required  — when true, a provider error is surfaced in diagnostics
//	            and a fallback event is emitted; either way the strategy
//	            falls back to offTarget rather than failing the instance
type FeatureFlagStrategy struct {
	flags FlagProvider
}

// NewFeatureFlagStrategy creates the feature-flag strategy with the given
// provider.
func NewFeatureFlagStrategy(flags FlagProvider) *FeatureFlagStrategy {
	return &FeatureFlagStrategy{flags: flags}
}

// Kind implements GatewayStrategy.
func (s *FeatureFlagStrategy) Kind() StrategyKind { return StrategyFeatureFlag }

// Select implements GatewayStrategy.
func (s *FeatureFlagStrategy) Select(in StrategyInput) (StrategyResult, error) {
	flagKey, _ := in.Spec.Config["flag"].(string)
	if flagKey == "" {
		return StrategyResult{}, fmt.Errorf("featureFlag strategy requires a flag key")
	}
	onTarget, _ := in.Spec.Config["onTarget"].(string)
	offTarget, _ := in.Spec.Config["offTarget"].(string)
	if onTarget == "" || offTarget == "" {
		return StrategyResult{}, fmt.Errorf("featureFlag strategy requires onTarget and offTarget")
	}
	required, _ := in.Spec.Config["required"].(bool)

	if s.flags == nil {
		return s.fallback(in, flagKey, offTarget, required, fmt.Errorf("no flag provider configured"))
	}

	enabled, err := s.flags.IsEnabled(flagKey)
	if err != nil {
		return s.fallback(in, flagKey, offTarget, required, err)
	}

	target := offTarget
	if enabled {
		target = onTarget
	}
	edge, err := edgeForTarget(in.Edges, target, "")
	if err != nil {
		return StrategyResult{}, err
	}
	return StrategyResult{
		Edges: []EdgeDef{edge},
		Diagnostics: map[string]any{
			"flag":    flagKey,
			"enabled": enabled,
		},
	}, nil
}

// fallback converts a provider error into an offTarget decision. When the
// flag is marked required, the diagnostics carry the provider error so the
// evaluator emits a FeatureFlagFallback event; a non-required flag falls
// back silently with the same routing.
func (s *FeatureFlagStrategy) fallback(in StrategyInput, flagKey, offTarget string, required bool, cause error) (StrategyResult, error) {
	edge, err := edgeForTarget(in.Edges, offTarget, "")
	if err != nil {
		return StrategyResult{}, err
	}
	diags := map[string]any{
		"flag":     flagKey,
		"enabled":  false,
		"fallback": true,
	}
	if required {
		diags["providerError"] = cause.Error()
	}
	return StrategyResult{Edges: []EdgeDef{edge}, Diagnostics: diags}, nil
}
