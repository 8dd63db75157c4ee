package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rs/zerolog/log"
)

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "locals"},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "default"},
	},
}

var resourceSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "count"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "connection"},
		{Type: "provision", LabelNames: []string{"kind"}},
	},
}

var connectionSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "host"},
		{Name: "port"},
		{Name: "user"},
		{Name: "password"},
		{Name: "private_key_path"},
		{Name: "timeout"},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "value", Required: true},
	},
}

// Parser parses provisio configuration files.
type Parser struct {
	hclParser *hclparse.Parser
}

// NewParser returns a ready Parser.
func NewParser() *Parser {
	return &Parser{hclParser: hclparse.NewParser()}
}

// ParseDir parses every .hcl file in dir (non-recursive, sorted by name) and
// merges them into one configuration.
func (p *Parser) ParseDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hcl") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .hcl files in %s", dir)
	}
	return p.ParseFiles(paths...)
}

// ParseFiles parses the given files and merges them into one configuration.
func (p *Parser) ParseFiles(paths ...string) (*Config, error) {
	cfg := &Config{Locals: make(map[string]hcl.Expression)}
	for _, path := range paths {
		file, diags := p.hclParser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %s", path, diags.Error())
		}
		if err := p.appendFile(cfg, file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := p.validate(cfg); err != nil {
		return nil, err
	}
	log.Debug().
		Int("variables", len(cfg.Variables)).
		Int("locals", len(cfg.Locals)).
		Int("declarations", len(cfg.Declarations)).
		Int("outputs", len(cfg.Outputs)).
		Msg("configuration parsed")
	return cfg, nil
}

// ParseSource parses configuration from an in-memory buffer. Used by tests
// and by callers that assemble configuration programmatically.
func (p *Parser) ParseSource(filename string, src []byte) (*Config, error) {
	file, diags := p.hclParser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %s", filename, diags.Error())
	}
	cfg := &Config{Locals: make(map[string]hcl.Expression)}
	if err := p.appendFile(cfg, file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	if err := p.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Parser) appendFile(cfg *Config, file *hcl.File) error {
	content, diags := file.Body.Content(rootSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%s", diags.Error())
	}
	for _, block := range content.Blocks {
		switch block.Type {
		case "variable":
			v, err := decodeVariable(block)
			if err != nil {
				return err
			}
			cfg.Variables = append(cfg.Variables, v)
		case "locals":
			attrs, diags := block.Body.JustAttributes()
			if diags.HasErrors() {
				return fmt.Errorf("locals block: %s", diags.Error())
			}
			for name, attr := range attrs {
				if _, dup := cfg.Locals[name]; dup {
					return fmt.Errorf("duplicate local %q at %s", name, attr.Range.String())
				}
				cfg.Locals[name] = attr.Expr
			}
		case "resource":
			d, err := decodeResource(block)
			if err != nil {
				return err
			}
			cfg.Declarations = append(cfg.Declarations, d)
		case "output":
			o, err := decodeOutput(block)
			if err != nil {
				return err
			}
			cfg.Outputs = append(cfg.Outputs, o)
		}
	}
	return nil
}

func decodeVariable(block *hcl.Block) (*Variable, error) {
	content, diags := block.Body.Content(variableSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("variable %q: %s", block.Labels[0], diags.Error())
	}
	v := &Variable{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}
	if attr, ok := content.Attributes["description"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("variable %q description: %s", v.Name, diags.Error())
		}
		v.Description = val.AsString()
	}
	if attr, ok := content.Attributes["default"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("variable %q default: %s", v.Name, diags.Error())
		}
		v.Default = val
		v.HasDefault = true
	}
	return v, nil
}

func decodeResource(block *hcl.Block) (*Declaration, error) {
	d := &Declaration{
		Type:       block.Labels[0],
		Name:       block.Labels[1],
		Attributes: make(map[string]hcl.Expression),
		DeclRange:  block.DefRange,
	}
	content, rest, diags := block.Body.PartialContent(resourceSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("resource %q: %s", d.Name, diags.Error())
	}
	if attr, ok := content.Attributes["count"]; ok {
		d.Count = attr.Expr
	}
	for _, sub := range content.Blocks {
		switch sub.Type {
		case "connection":
			if d.Connection != nil {
				return nil, fmt.Errorf("resource %q: duplicate connection block at %s", d.Name, sub.DefRange.String())
			}
			conn, err := decodeConnection(sub)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", d.Name, err)
			}
			d.Connection = conn
		case "provision":
			prov, err := decodeProvision(sub)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", d.Name, err)
			}
			d.Provisioners = append(d.Provisioners, prov)
		}
	}
	attrs, diags := rest.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("resource %q: %s", d.Name, diags.Error())
	}
	for name, attr := range attrs {
		d.Attributes[name] = attr.Expr
	}
	return d, nil
}

func decodeConnection(block *hcl.Block) (*Connection, error) {
	content, diags := block.Body.Content(connectionSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("connection block: %s", diags.Error())
	}
	conn := &Connection{DeclRange: block.DefRange}
	get := func(name string) hcl.Expression {
		if attr, ok := content.Attributes[name]; ok {
			return attr.Expr
		}
		return nil
	}
	conn.Host = get("host")
	conn.Port = get("port")
	conn.User = get("user")
	conn.Password = get("password")
	conn.PrivateKeyPath = get("private_key_path")
	conn.Timeout = get("timeout")
	if conn.Host == nil {
		return nil, fmt.Errorf("connection block at %s: host is required", block.DefRange.String())
	}
	return conn, nil
}

func decodeProvision(block *hcl.Block) (*Provisioner, error) {
	kind := block.Labels[0]
	prov := &Provisioner{Kind: kind, DeclRange: block.DefRange}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("provision %q block: %s", kind, diags.Error())
	}
	switch kind {
	case ProvisionFile:
		src, ok := attrs["source"]
		if !ok {
			return nil, fmt.Errorf("provision \"file\" at %s: source is required", block.DefRange.String())
		}
		dst, ok := attrs["destination"]
		if !ok {
			return nil, fmt.Errorf("provision \"file\" at %s: destination is required", block.DefRange.String())
		}
		prov.Source = src.Expr
		prov.Destination = dst.Expr
	case ProvisionExec:
		cmds, ok := attrs["commands"]
		if !ok {
			return nil, fmt.Errorf("provision \"exec\" at %s: commands is required", block.DefRange.String())
		}
		prov.Commands = cmds.Expr
	default:
		return nil, fmt.Errorf("provision block at %s: unknown kind %q (expected \"file\" or \"exec\")", block.DefRange.String(), kind)
	}
	return prov, nil
}

func decodeOutput(block *hcl.Block) (*Output, error) {
	content, diags := block.Body.Content(outputSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("output %q: %s", block.Labels[0], diags.Error())
	}
	o := &Output{
		Name:      block.Labels[0],
		Value:     content.Attributes["value"].Expr,
		DeclRange: block.DefRange,
	}
	if attr, ok := content.Attributes["description"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("output %q description: %s", o.Name, diags.Error())
		}
		o.Description = val.AsString()
	}
	return o, nil
}

// validate enforces cross-block rules: unique names, reserved reference
// roots, and provision blocks having a connection to run over.
func (p *Parser) validate(cfg *Config) error {
	seenVars := make(map[string]bool)
	for _, v := range cfg.Variables {
		if seenVars[v.Name] {
			return fmt.Errorf("duplicate variable %q at %s", v.Name, v.DeclRange.String())
		}
		seenVars[v.Name] = true
	}

	seenDecls := make(map[string]bool)
	for _, d := range cfg.Declarations {
		if reservedRoots[d.Name] {
			return fmt.Errorf("resource name %q at %s is reserved", d.Name, d.DeclRange.String())
		}
		if seenDecls[d.Name] {
			return fmt.Errorf("duplicate resource name %q at %s", d.Name, d.DeclRange.String())
		}
		seenDecls[d.Name] = true
		if len(d.Provisioners) > 0 && d.Connection == nil {
			return fmt.Errorf("resource %q at %s has provision blocks but no connection block", d.Name, d.DeclRange.String())
		}
	}

	seenOutputs := make(map[string]bool)
	for _, o := range cfg.Outputs {
		if seenOutputs[o.Name] {
			return fmt.Errorf("duplicate output %q at %s", o.Name, o.DeclRange.String())
		}
		seenOutputs[o.Name] = true
	}
	return nil
}
