// Package expr implements expression evaluation for provisio configurations.
// Expressions are HCL (hashicorp/hcl/v2) and values are cty values, giving
// conditionals, for-comprehensions, splat projections, and a builtin function
// table without a bespoke language.
package expr

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Scope is the binding context for expression evaluation. A Scope is never
// mutated by evaluation; derived scopes are produced with the With* methods
// so that every evaluation call sees an explicit, stable set of bindings.
type Scope struct {
	// Variables holds externally supplied variable values, referenced as
	// var.<name>.
	Variables map[string]cty.Value

	// Locals holds resolved local values, referenced as local.<name>.
	Locals map[string]cty.Value

	// Resources holds one collection value per declaration, keyed by the
	// declaration name. Declarations without a count expression are bound
	// as a single object; declarations with count are bound as a tuple of
	// instance objects in index order.
	Resources map[string]cty.Value

	// CountIndex is the index of the instance currently being expanded,
	// bound as count.index. Negative means unbound.
	CountIndex int

	// Self is the owning instance's resolved state, bound as self inside
	// connection and provision blocks. NilVal means unbound.
	Self cty.Value

	funcs map[string]function.Function
}

// NewScope returns an empty scope with the standard function table.
func NewScope() *Scope {
	return &Scope{
		Variables:  make(map[string]cty.Value),
		Locals:     make(map[string]cty.Value),
		Resources:  make(map[string]cty.Value),
		CountIndex: -1,
		Self:       cty.NilVal,
		funcs:      Functions(),
	}
}

// clone returns a shallow copy with fresh maps so that derived scopes never
// alias the parent's bindings.
func (s *Scope) clone() *Scope {
	c := &Scope{
		Variables:  make(map[string]cty.Value, len(s.Variables)),
		Locals:     make(map[string]cty.Value, len(s.Locals)),
		Resources:  make(map[string]cty.Value, len(s.Resources)),
		CountIndex: s.CountIndex,
		Self:       s.Self,
		funcs:      s.funcs,
	}
	for k, v := range s.Variables {
		c.Variables[k] = v
	}
	for k, v := range s.Locals {
		c.Locals[k] = v
	}
	for k, v := range s.Resources {
		c.Resources[k] = v
	}
	return c
}

// WithVariables returns a derived scope with the given variable values set.
func (s *Scope) WithVariables(vars map[string]cty.Value) *Scope {
	c := s.clone()
	for k, v := range vars {
		c.Variables[k] = v
	}
	return c
}

// WithLocals returns a derived scope with the given local values set.
func (s *Scope) WithLocals(locals map[string]cty.Value) *Scope {
	c := s.clone()
	for k, v := range locals {
		c.Locals[k] = v
	}
	return c
}

// WithResource returns a derived scope with one declaration collection bound.
func (s *Scope) WithResource(name string, collection cty.Value) *Scope {
	c := s.clone()
	c.Resources[name] = collection
	return c
}

// WithCountIndex returns a derived scope with count.index bound.
func (s *Scope) WithCountIndex(index int) *Scope {
	c := s.clone()
	c.CountIndex = index
	return c
}

// WithSelf returns a derived scope with self bound to the given object.
func (s *Scope) WithSelf(self cty.Value) *Scope {
	c := s.clone()
	c.Self = self
	return c
}

// HCLContext materializes the scope as an hcl.EvalContext.
func (s *Scope) HCLContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(s.Resources)+4)
	for name, collection := range s.Resources {
		vars[name] = collection
	}
	vars["var"] = cty.ObjectVal(s.Variables)
	vars["local"] = cty.ObjectVal(s.Locals)
	if s.CountIndex >= 0 {
		vars["count"] = cty.ObjectVal(map[string]cty.Value{
			"index": cty.NumberIntVal(int64(s.CountIndex)),
		})
	}
	if s.Self != cty.NilVal {
		vars["self"] = s.Self
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: s.funcs,
	}
}
