package expr

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// ToGoValue converts a cty value into plain Go types (string, float64, bool,
// []interface{}, map[string]interface{}, nil). It is used at the provider
// boundary and for JSON-encoding run reports, keeping providers and stores
// free of cty.
func ToGoValue(v cty.Value) interface{} {
	if v == cty.NilVal || v.IsNull() || !v.IsKnown() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f
	case ty == cty.Bool:
		return v.True()
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, ToGoValue(ev))
		}
		return out
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			out[kv.AsString()] = ToGoValue(ev)
		}
		return out
	default:
		return nil
	}
}

// ToGoMap converts a map of cty values with ToGoValue.
func ToGoMap(m map[string]cty.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = ToGoValue(v)
	}
	return out
}

// FromGoValue converts plain Go values (as produced by YAML or JSON decoding,
// or returned by providers) into cty values.
func FromGoValue(raw interface{}) (cty.Value, error) {
	switch v := raw.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float64:
		return cty.NumberVal(big.NewFloat(v)), nil
	case []interface{}:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(v))
		for _, ev := range v {
			cv, err := FromGoValue(ev)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, cv)
		}
		return cty.TupleVal(elems), nil
	case map[string]interface{}:
		attrs := make(map[string]cty.Value, len(v))
		for k, ev := range v {
			cv, err := FromGoValue(ev)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case map[interface{}]interface{}:
		// YAML decoders may produce interface-keyed maps.
		attrs := make(map[string]cty.Value, len(v))
		for k, ev := range v {
			ks, ok := k.(string)
			if !ok {
				return cty.NilVal, fmt.Errorf("map key %v is not a string", k)
			}
			cv, err := FromGoValue(ev)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[ks] = cv
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value of type %T", raw)
	}
}

// FromGoMap converts a map of plain Go values with FromGoValue.
func FromGoMap(m map[string]interface{}) (map[string]cty.Value, error) {
	out := make(map[string]cty.Value, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cv, err := FromGoValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}
