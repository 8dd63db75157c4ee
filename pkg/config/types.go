// Package config parses provisio configuration files and resolves input
// variables. Configurations are HCL: variable and locals blocks, resource
// declarations with optional count, connection and provision blocks, and
// output blocks. The parser keeps attribute expressions unevaluated so the
// engine can expand and order them against live instance state.
package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// reservedRoots are names that carry builtin meaning in expressions and are
// therefore not usable as declaration names.
var reservedRoots = map[string]bool{
	"var":   true,
	"local": true,
	"count": true,
	"self":  true,
}

// Config is a fully parsed configuration, possibly merged from several files.
type Config struct {
	Variables    []*Variable
	Locals       map[string]hcl.Expression
	Declarations []*Declaration
	Outputs      []*Output
}

// Declaration returns the declaration with the given name, or nil.
func (c *Config) Declaration(name string) *Declaration {
	for _, d := range c.Declarations {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Variable is a declared input variable.
type Variable struct {
	Name        string
	Description string
	Default     cty.Value
	HasDefault  bool
	DeclRange   hcl.Range
}

// Declaration is a single resource block. Attribute values stay as raw
// expressions until the engine evaluates them per instance.
type Declaration struct {
	// Type is the resource type label, e.g. "network" or "server".
	Type string
	// Name is the declaration name, unique across the configuration and
	// used as the reference root in expressions.
	Name string

	// Count is the cardinality expression, nil when the block has none.
	// Declarations without count bind as a single object in expressions;
	// declarations with count bind as a tuple, even when count is 1.
	Count hcl.Expression

	// Attributes holds every remaining attribute expression by name.
	Attributes map[string]hcl.Expression

	// Connection describes how to reach instances of this declaration for
	// bootstrap, nil when the declaration has no provision blocks to run.
	Connection *Connection

	// Provisioners are the ordered bootstrap actions for each instance.
	Provisioners []*Provisioner

	DeclRange hcl.Range
}

// HasCount reports whether the declaration carries a count expression.
func (d *Declaration) HasCount() bool { return d.Count != nil }

// Connection is the connection block of a declaration. Its expressions may
// reference self and are resolved only after the instance materializes.
type Connection struct {
	Host           hcl.Expression
	Port           hcl.Expression
	User           hcl.Expression
	Password       hcl.Expression
	PrivateKeyPath hcl.Expression
	Timeout        hcl.Expression
	DeclRange      hcl.Range
}

// Provisioner kinds.
const (
	ProvisionFile = "file"
	ProvisionExec = "exec"
)

// Provisioner is a single provision block. Kind selects which fields apply:
// file uses Source and Destination, exec uses Commands.
type Provisioner struct {
	Kind        string
	Source      hcl.Expression
	Destination hcl.Expression
	Commands    hcl.Expression
	DeclRange   hcl.Range
}

// Output is a named output expression evaluated after the run completes.
type Output struct {
	Name        string
	Description string
	Value       hcl.Expression
	DeclRange   hcl.Range
}
