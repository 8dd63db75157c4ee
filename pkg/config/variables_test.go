package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zclconf/go-cty/cty"
)

func varConfig(t *testing.T) *Config {
	t.Helper()
	src := `
variable "env" {
  default = "dev"
}
variable "replicas" {
  default = 1
}
variable "ssh_user" {}
`
	cfg, err := NewParser().ParseSource("vars.hcl", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func TestResolveVariablesPrecedence(t *testing.T) {
	cfg := varConfig(t)

	dir := t.TempDir()
	varFile := filepath.Join(dir, "prod.yaml")
	if err := os.WriteFile(varFile, []byte("env: staging\nssh_user: deploy\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	vals, err := ResolveVariables(cfg, VariableOptions{
		Files:     []string{varFile},
		Overrides: []string{"env=prod", "replicas=3"},
	})
	if err != nil {
		t.Fatalf("ResolveVariables: %v", err)
	}

	// Command line wins over the var file, var file wins over the default.
	if got := vals["env"].AsString(); got != "prod" {
		t.Errorf("env = %q, want prod", got)
	}
	if got := vals["ssh_user"].AsString(); got != "deploy" {
		t.Errorf("ssh_user = %q, want deploy", got)
	}
	if n, _ := vals["replicas"].AsBigFloat().Int64(); n != 3 {
		t.Errorf("replicas = %d, want 3", n)
	}
	if vals["replicas"].Type() != cty.Number {
		t.Errorf("replicas type = %s, want number", vals["replicas"].Type().FriendlyName())
	}
}

func TestResolveVariablesEnvironment(t *testing.T) {
	cfg := varConfig(t)
	t.Setenv(EnvVarPrefix+"ssh_user", "ops")
	t.Setenv(EnvVarPrefix+"unrelated", "ignored")

	vals, err := ResolveVariables(cfg, VariableOptions{})
	if err != nil {
		t.Fatalf("ResolveVariables: %v", err)
	}
	if got := vals["ssh_user"].AsString(); got != "ops" {
		t.Errorf("ssh_user = %q, want ops", got)
	}
}

func TestResolveVariablesMissingRequired(t *testing.T) {
	cfg := varConfig(t)
	_, err := ResolveVariables(cfg, VariableOptions{})
	if err == nil || !strings.Contains(err.Error(), "ssh_user") {
		t.Fatalf("expected missing variable error naming ssh_user, got %v", err)
	}
}

func TestResolveVariablesUndeclaredOverride(t *testing.T) {
	cfg := varConfig(t)
	_, err := ResolveVariables(cfg, VariableOptions{
		Overrides: []string{"ssh_user=x", "bogus=1"},
	})
	if err == nil || !strings.Contains(err.Error(), "undeclared variable") {
		t.Fatalf("expected undeclared variable error, got %v", err)
	}
}
