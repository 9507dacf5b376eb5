// Package transform types multipart form fields for backends that expect a
// JSON payload instead of flat form values.
package transform

import (
	"strconv"
	"strings"

	"storefront-gateway/internal/model"
)

// Schema maps field names to the kind they are coerced to. Fields not in
// the schema pass through as strings.
type Schema map[string]model.FieldKind

// ProductSchema is the field layout expected by the product service.
var ProductSchema = Schema{
	"price":       model.KindNumber,
	"stock":       model.KindNumber,
	"subCategory": model.KindList,
}

// Lookup returns the named schema. The empty name yields nil.
func Lookup(name string) (Schema, bool) {
	switch name {
	case "":
		return nil, true
	case "product":
		return ProductSchema, true
	}
	return nil, false
}

// Coerce converts form fields into a typed map ready for JSON encoding.
// It never fails: a numeric field that does not parse becomes null.
//
// Repeated values are all kept: list fields concatenate the items of every
// value, number and plain fields become arrays. A field sent both plain and
// keyed keeps its plain value under its name and each keyed value under
// "name[key]", the way the passthrough encoding flattens it.
func (s Schema) Coerce(fields *model.FormFields) map[string]any {
	out := make(map[string]any, fields.Len())
	for _, f := range fields.All() {
		if f.IsNested() {
			if len(f.Values) == 0 {
				nested := make(map[string]string, len(f.Nested))
				for k, v := range f.Nested {
					nested[k] = v
				}
				out[f.Name] = nested
				continue
			}
			for _, k := range f.Keys {
				out[f.Name+"["+k+"]"] = f.Nested[k]
			}
		}
		out[f.Name] = coerceValues(s[f.Name], f.Values)
	}
	return out
}

func coerceValues(kind model.FieldKind, values []string) any {
	switch kind {
	case model.KindNumber:
		if len(values) <= 1 {
			return toNumber(firstValue(values))
		}
		nums := make([]any, len(values))
		for i, v := range values {
			nums[i] = toNumber(v)
		}
		return nums
	case model.KindList:
		var list []string
		for _, v := range values {
			list = append(list, toList(v)...)
		}
		if list == nil {
			list = toList("")
		}
		return list
	}
	if len(values) > 1 {
		return append([]string(nil), values...)
	}
	return firstValue(values)
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// toNumber parses v as a float. Blank input is zero; unparsable input is nil.
func toNumber(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return float64(0)
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return n
}

func toList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
