package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// ErrNotReady reports that an expression referenced an instance that has not
// been materialized yet. Callers use errors.Is to distinguish this from
// genuine evaluation failures: during a run it means "defer and retry later",
// while in output collection it means "unavailable".
var ErrNotReady = errors.New("references an instance that is not yet materialized")

// Evaluate evaluates a single expression against the scope and returns its
// value. The value is guaranteed to be wholly known on success.
func Evaluate(expr hcl.Expression, scope *Scope) (cty.Value, error) {
	v, diags := expr.Value(scope.HCLContext())
	if diags.HasErrors() {
		return cty.NilVal, diagnosticsError(expr, diags)
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("%s: %w", rangeString(expr), ErrNotReady)
	}
	return v, nil
}

// EvaluateString evaluates an expression and converts the result to a string.
func EvaluateString(expr hcl.Expression, scope *Scope) (string, error) {
	v, err := Evaluate(expr, scope)
	if err != nil {
		return "", err
	}
	if v.IsNull() {
		return "", fmt.Errorf("%s: expected a string, got null", rangeString(expr))
	}
	conv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("%s: expected a string, got %s", rangeString(expr), v.Type().FriendlyName())
	}
	return conv.AsString(), nil
}

// EvaluateInt evaluates an expression and converts the result to an integer.
func EvaluateInt(expr hcl.Expression, scope *Scope) (int, error) {
	v, err := Evaluate(expr, scope)
	if err != nil {
		return 0, err
	}
	if v.IsNull() {
		return 0, fmt.Errorf("%s: expected a number, got null", rangeString(expr))
	}
	conv, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("%s: expected a number, got %s", rangeString(expr), v.Type().FriendlyName())
	}
	bf := conv.AsBigFloat()
	if !bf.IsInt() {
		return 0, fmt.Errorf("%s: expected a whole number, got %s", rangeString(expr), bf.String())
	}
	n, _ := bf.Int64()
	return int(n), nil
}

// EvaluateStringList evaluates an expression that must yield a list or tuple
// of strings.
func EvaluateStringList(expr hcl.Expression, scope *Scope) ([]string, error) {
	v, err := Evaluate(expr, scope)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, fmt.Errorf("%s: expected a list of strings, got null", rangeString(expr))
	}
	if !v.CanIterateElements() {
		return nil, fmt.Errorf("%s: expected a list of strings, got %s", rangeString(expr), v.Type().FriendlyName())
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		conv, err := convert.Convert(ev, cty.String)
		if err != nil || conv.IsNull() {
			return nil, fmt.Errorf("%s: list element is not a string", rangeString(expr))
		}
		out = append(out, conv.AsString())
	}
	return out, nil
}

// diagnosticsError flattens HCL diagnostics into a single error, keeping the
// source range of the first problem so operators can find the offending line.
func diagnosticsError(expr hcl.Expression, diags hcl.Diagnostics) error {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		msg := d.Summary
		if d.Detail != "" {
			msg = msg + ": " + d.Detail
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%s: %s", rangeString(expr), strings.Join(msgs, "; "))
}

func rangeString(expr hcl.Expression) string {
	r := expr.Range()
	return fmt.Sprintf("%s:%d,%d", r.Filename, r.Start.Line, r.Start.Column)
}
