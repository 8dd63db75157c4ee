package engine

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/expr"
)

// CollectOutputs evaluates the configuration's output expressions against
// final instance state. Outputs that reference failed or blocked instances
// are reported as unavailable with the reason rather than failing the whole
// collection; the rest are still returned.
func CollectOutputs(cfg *config.Config, graph *Graph, scope *expr.Scope, statuses map[string]InstanceStatus) (map[string]interface{}, map[string]string) {
	for _, decl := range cfg.Declarations {
		scope = scope.WithResource(decl.Name, collectionValue(decl, graph, statuses))
	}

	outputs := make(map[string]interface{})
	unavailable := make(map[string]string)
	for _, out := range cfg.Outputs {
		v, err := expr.Evaluate(out.Value, scope)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, expr.ErrNotReady) {
				reason = "references an instance that was not applied"
			}
			unavailable[out.Name] = reason
			log.Warn().Str("output", out.Name).Str("reason", reason).Msg("output unavailable")
			continue
		}
		outputs[out.Name] = expr.ToGoValue(v)
	}
	return outputs, unavailable
}
