package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/expr"
)

// Expand evaluates a declaration's cardinality and produces its instances.
// Count expressions are evaluated against variables and locals only; they run
// before any instance exists, so resource references are not available.
// A declaration without count always yields exactly one instance.
func Expand(decl *config.Declaration, scope *expr.Scope) ([]*Instance, error) {
	count := 1
	if decl.HasCount() {
		n, err := expr.EvaluateInt(decl.Count, scope)
		if err != nil {
			return nil, NewPermanentError(CodeExpansion,
				fmt.Sprintf("resource %q: count: %v", decl.Name, err), err).
				WithOperation("expand")
		}
		if n < 0 {
			return nil, NewPermanentError(CodeExpansion,
				fmt.Sprintf("resource %q: count is %d, must not be negative", decl.Name, n), nil).
				WithOperation("expand")
		}
		count = n
	}

	instances := make([]*Instance, 0, count)
	for i := 0; i < count; i++ {
		instances = append(instances, &Instance{
			ID:       InstanceID(decl.Name, i),
			DeclName: decl.Name,
			Type:     decl.Type,
			Index:    i,
			Decl:     decl,
		})
	}
	log.Debug().Str("resource", decl.Name).Int("count", count).Msg("declaration expanded")
	return instances, nil
}

// ExpandAll expands every declaration in the configuration. The returned
// slice preserves configuration order; the map groups instances by
// declaration name. Declarations whose count evaluates to zero appear in the
// map with an empty slice so that references to them resolve to an empty
// collection.
func ExpandAll(cfg *config.Config, scope *expr.Scope) ([]*Instance, map[string][]*Instance, error) {
	var all []*Instance
	byDecl := make(map[string][]*Instance, len(cfg.Declarations))
	for _, decl := range cfg.Declarations {
		instances, err := Expand(decl, scope)
		if err != nil {
			return nil, nil, err
		}
		byDecl[decl.Name] = instances
		all = append(all, instances...)
	}
	return all, byDecl, nil
}
