package engine

// DefaultMaxGatewayDecisions is the default bound on per-node gateway
// decision history. Override with WithMaxGatewayDecisions.
const DefaultMaxGatewayDecisions = 50

// PruneGatewayHistory bounds a node's decision-history array to max
// entries, removing the oldest entries first. It returns the pruned array
// and the number of entries removed.
//
// The pruner runs after every append, not periodically, so the invariant
// "history length <= max" holds after every gateway evaluation.
func PruneGatewayHistory(history []any, max int) ([]any, int) {
	if max <= 0 || len(history) <= max {
		return history, 0
	}
	removed := len(history) - max
	return history[removed:], removed
}

// pruneNodeHistory applies PruneGatewayHistory to the stored history for
// one gateway node and writes the bounded array back into the context.
// Returns the number of removed entries and the new length.
func pruneNodeHistory(ctx map[string]any, nodeID string, max int) (removed, newLen int) {
	decisions, ok := ctx[ctxGatewayDecisions].(map[string]any)
	if !ok {
		return 0, 0
	}
	hist, _ := decisions[nodeID].([]any)
	pruned, removed := PruneGatewayHistory(hist, max)
	decisions[nodeID] = pruned
	return removed, len(pruned)
}
