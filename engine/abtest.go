package engine

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// abTestBuckets is the resolution of the deterministic bucketing space.
// Weights are mapped onto [0, abTestBuckets) proportionally.
const abTestBuckets = 10000

// Variant is one weighted arm of an A/B-test gateway.
type Variant struct {
	Name   string
	Weight float64
	Target string
}

// parseVariants reads the "variants" array from an abTest strategy config.
func parseVariants(config map[string]any) ([]Variant, error) {
	raw, ok := config["variants"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("abTest strategy requires a non-empty variants array")
	}
	variants := make([]Variant, 0, len(raw))
	for i, rv := range raw {
		m, ok := rv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("variant %d is not an object", i)
		}
		v := Variant{}
		v.Name, _ = m["name"].(string)
		v.Target, _ = m["target"].(string)
		v.Weight = numberProp(m, "weight")
		if v.Name == "" {
			return nil, fmt.Errorf("variant %d missing name", i)
		}
		if v.Target == "" {
			return nil, fmt.Errorf("variant %q missing target", v.Name)
		}
		variants = append(variants, v)
	}
	return variants, nil
}

// AbTestStrategy routes by deterministic weighted bucketing over a
// configured keyPath (a gjson dot-path into the instance context), with
// sticky snapshot reuse.
//
// Determinism: for a fixed (gatewayID, definitionVersion, keyValue) the
// selected variant is identical across repeated evaluations and across
// process restarts. The hash is only computed when no experiment snapshot
// exists yet for the node in this instance; once a snapshot is written it
// is authoritative even if the key's underlying context value changes.
type AbTestStrategy struct{}

// NewAbTestStrategy creates the A/B-test strategy.
func NewAbTestStrategy() *AbTestStrategy { return &AbTestStrategy{} }

// Kind implements GatewayStrategy.
func (s *AbTestStrategy) Kind() StrategyKind { return StrategyAbTest }

// Select implements GatewayStrategy.
func (s *AbTestStrategy) Select(in StrategyInput) (StrategyResult, error) {
	variants, err := parseVariants(in.Spec.Config)
	if err != nil {
		return StrategyResult{}, err
	}

	// Snapshot over recompute: an existing assignment wins.
	if snap, ok := experimentSnapshot(in.Instance.Context, in.Node.ID); ok {
		variant := variantByName(variants, snap.Variant)
		if variant == nil {
			return StrategyResult{}, fmt.Errorf("stored variant %q no longer configured on gateway %s", snap.Variant, in.Node.ID)
		}
		edge, err := edgeForTarget(in.Edges, variant.Target, variant.Name)
		if err != nil {
			return StrategyResult{}, err
		}
		return StrategyResult{
			Edges: []EdgeDef{edge},
			Diagnostics: map[string]any{
				"variant":       snap.Variant,
				"snapshotReuse": true,
			},
			Assignment:       &snap,
			AssignmentReused: true,
		}, nil
	}

	keyPath, _ := in.Spec.Config["keyPath"].(string)
	if keyPath == "" {
		return StrategyResult{}, fmt.Errorf("abTest strategy requires keyPath")
	}
	keyValue := gjson.GetBytes(in.ContextJSON, keyPath).String()

	hash := HashComposite([]string{
		in.Node.ID,
		strconv.Itoa(in.Instance.DefinitionVersion),
		keyValue,
	})
	bucket := ToBucket(hash, abTestBuckets)
	variant := pickVariant(variants, bucket)
	edge, err := edgeForTarget(in.Edges, variant.Target, variant.Name)
	if err != nil {
		return StrategyResult{}, err
	}

	snap := ExperimentSnapshot{Variant: variant.Name, KeySnapshot: keyValue}
	return StrategyResult{
		Edges: []EdgeDef{edge},
		Diagnostics: map[string]any{
			"variant": variant.Name,
			"keyPath": keyPath,
			"bucket":  bucket,
		},
		Assignment: &snap,
	}, nil
}

// pickVariant walks cumulative weights over the bucket space and picks the
// first variant whose cumulative share exceeds the bucket position.
func pickVariant(variants []Variant, bucket int) *Variant {
	var total float64
	for _, v := range variants {
		total += v.Weight
	}
	position := float64(bucket) / float64(abTestBuckets) * total
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].Weight
		if position < cumulative {
			return &variants[i]
		}
	}
	// Floating-point edge at the top of the range.
	return &variants[len(variants)-1]
}

func variantByName(variants []Variant, name string) *Variant {
	for i := range variants {
		if variants[i].Name == name {
			return &variants[i]
		}
	}
	return nil
}

// edgeForTarget finds the outgoing edge for a variant: by target node ID
// first, then by edge label matching the variant name.
func edgeForTarget(edges []EdgeDef, target, label string) (EdgeDef, error) {
	for _, e := range edges {
		if e.Target == target {
			return e, nil
		}
	}
	for _, e := range edges {
		if label != "" && e.Label == label {
			return e, nil
		}
	}
	return EdgeDef{}, fmt.Errorf("no outgoing edge for target %q", target)
}
