package expr

import (
	"errors"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		t.Fatalf("parse %q: %s", src, diags.Error())
	}
	return expr
}

func testScope() *Scope {
	return NewScope().
		WithVariables(map[string]cty.Value{
			"env":   cty.StringVal("prod"),
			"zones": cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.StringVal("b")}),
		}).
		WithResource("net", cty.ObjectVal(map[string]cty.Value{
			"id":   cty.StringVal("net-1"),
			"cidr": cty.StringVal("10.0.0.0/16"),
		})).
		WithResource("sub", cty.TupleVal([]cty.Value{
			cty.ObjectVal(map[string]cty.Value{"id": cty.StringVal("sub-0"), "cidr": cty.StringVal("10.0.0.0/24")}),
			cty.ObjectVal(map[string]cty.Value{"id": cty.StringVal("sub-1"), "cidr": cty.StringVal("10.0.1.0/24")}),
		}))
}

func TestEvaluateLiteralsAndVariables(t *testing.T) {
	scope := testScope()

	v, err := Evaluate(parseExpr(t, `var.env == "prod" ? 2 : 1`), scope)
	if err != nil {
		t.Fatalf("ternary: %v", err)
	}
	if n, _ := v.AsBigFloat().Int64(); n != 2 {
		t.Errorf("ternary = %d, want 2", n)
	}

	s, err := EvaluateString(parseExpr(t, `"${var.env}-cluster"`), scope)
	if err != nil {
		t.Fatalf("interpolation: %v", err)
	}
	if s != "prod-cluster" {
		t.Errorf("interpolation = %q, want %q", s, "prod-cluster")
	}
}

func TestEvaluateResourceReferences(t *testing.T) {
	scope := testScope()

	s, err := EvaluateString(parseExpr(t, `net.id`), scope)
	if err != nil {
		t.Fatalf("attribute access: %v", err)
	}
	if s != "net-1" {
		t.Errorf("net.id = %q, want net-1", s)
	}

	s, err = EvaluateString(parseExpr(t, `sub[1].cidr`), scope)
	if err != nil {
		t.Fatalf("indexed access: %v", err)
	}
	if s != "10.0.1.0/24" {
		t.Errorf("sub[1].cidr = %q, want 10.0.1.0/24", s)
	}
}

func TestEvaluateSplatAndFor(t *testing.T) {
	scope := testScope()

	ids, err := EvaluateStringList(parseExpr(t, `sub.*.id`), scope)
	if err != nil {
		t.Fatalf("splat: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sub-0" || ids[1] != "sub-1" {
		t.Errorf("splat = %v, want [sub-0 sub-1]", ids)
	}

	names, err := EvaluateStringList(parseExpr(t, `[for z in var.zones : "zone-${z}"]`), scope)
	if err != nil {
		t.Fatalf("for: %v", err)
	}
	if len(names) != 2 || names[0] != "zone-a" || names[1] != "zone-b" {
		t.Errorf("for = %v, want [zone-a zone-b]", names)
	}
}

func TestEvaluateCountIndexAndSelf(t *testing.T) {
	scope := testScope().
		WithCountIndex(3).
		WithSelf(cty.ObjectVal(map[string]cty.Value{"address": cty.StringVal("10.0.0.7")}))

	n, err := EvaluateInt(parseExpr(t, `count.index`), scope)
	if err != nil {
		t.Fatalf("count.index: %v", err)
	}
	if n != 3 {
		t.Errorf("count.index = %d, want 3", n)
	}

	s, err := EvaluateString(parseExpr(t, `self.address`), scope)
	if err != nil {
		t.Fatalf("self: %v", err)
	}
	if s != "10.0.0.7" {
		t.Errorf("self.address = %q, want 10.0.0.7", s)
	}
}

func TestEvaluateFunctions(t *testing.T) {
	scope := testScope()

	s, err := EvaluateString(parseExpr(t, `join(",", sub.*.id)`), scope)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if s != "sub-0,sub-1" {
		t.Errorf("join = %q", s)
	}

	n, err := EvaluateInt(parseExpr(t, `length(var.zones)`), scope)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 2 {
		t.Errorf("length = %d, want 2", n)
	}
}

func TestEvaluateNotReady(t *testing.T) {
	scope := testScope().WithResource("db", cty.DynamicVal)

	_, err := Evaluate(parseExpr(t, `db.id`), scope)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	// A partially materialized tuple is not ready either.
	scope = testScope().WithResource("srv", cty.TupleVal([]cty.Value{
		cty.ObjectVal(map[string]cty.Value{"id": cty.StringVal("srv-0")}),
		cty.DynamicVal,
	}))
	_, err = Evaluate(parseExpr(t, `srv.*.id`), scope)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for partial tuple, got %v", err)
	}
}

func TestEvaluateErrors(t *testing.T) {
	scope := testScope()

	if _, err := Evaluate(parseExpr(t, `missing.id`), scope); err == nil {
		t.Error("expected error for undeclared reference")
	}
	if _, err := EvaluateInt(parseExpr(t, `"abc"`), scope); err == nil {
		t.Error("expected error converting string to int")
	}
	if _, err := EvaluateInt(parseExpr(t, `1.5`), scope); err == nil {
		t.Error("expected error for fractional count")
	}
}

func TestResolveLocals(t *testing.T) {
	locals := map[string]hcl.Expression{
		"prefix": parseExpr(t, `"${var.env}-x"`),
		"name":   parseExpr(t, `"${local.prefix}-web"`),
	}
	resolved, err := ResolveLocals(locals, testScope())
	if err != nil {
		t.Fatalf("ResolveLocals: %v", err)
	}
	if got := resolved["name"].AsString(); got != "prod-x-web" {
		t.Errorf("local.name = %q, want prod-x-web", got)
	}
}

func TestResolveLocalsCycle(t *testing.T) {
	locals := map[string]hcl.Expression{
		"a": parseExpr(t, `local.b`),
		"b": parseExpr(t, `local.a`),
	}
	if _, err := ResolveLocals(locals, testScope()); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestGoValueRoundTrip(t *testing.T) {
	v, err := FromGoValue(map[string]interface{}{
		"name":  "web",
		"count": 2,
		"tags":  []interface{}{"a", "b"},
	})
	if err != nil {
		t.Fatalf("FromGoValue: %v", err)
	}
	back, ok := ToGoValue(v).(map[string]interface{})
	if !ok {
		t.Fatalf("ToGoValue returned %T", ToGoValue(v))
	}
	if back["name"] != "web" {
		t.Errorf("name = %v", back["name"])
	}
	if back["count"].(float64) != 2 {
		t.Errorf("count = %v", back["count"])
	}
}
