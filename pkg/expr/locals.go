package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// ResolveLocals evaluates local value expressions against the scope. Locals
// may reference other locals; resolution iterates until every local is known,
// and reports a cycle when a pass makes no progress.
func ResolveLocals(locals map[string]hcl.Expression, scope *Scope) (map[string]cty.Value, error) {
	resolved := make(map[string]cty.Value, len(locals))
	remaining := make(map[string]hcl.Expression, len(locals))
	for name, expr := range locals {
		remaining[name] = expr
	}

	for len(remaining) > 0 {
		progress := false
		var lastErr error

		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			v, err := Evaluate(remaining[name], scope.WithLocals(resolved))
			if err != nil {
				// An unresolved reference to another local shows up as an
				// unsupported attribute on the partial local object; retry
				// on the next pass.
				if isUnresolvedLocal(err) {
					lastErr = fmt.Errorf("local %q: %w", name, err)
					continue
				}
				return nil, fmt.Errorf("local %q: %w", name, err)
			}
			resolved[name] = v
			delete(remaining, name)
			progress = true
		}

		if !progress {
			names := make([]string, 0, len(remaining))
			for name := range remaining {
				names = append(names, name)
			}
			sort.Strings(names)
			if lastErr != nil && !isUnresolvedLocal(lastErr) {
				return nil, fmt.Errorf("locals %s cannot be resolved: %w", strings.Join(names, ", "), lastErr)
			}
			return nil, fmt.Errorf("dependency cycle between locals %s", strings.Join(names, ", "))
		}
	}
	return resolved, nil
}

func isUnresolvedLocal(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Unsupported attribute") || strings.Contains(msg, "This object does not have an attribute")
}
