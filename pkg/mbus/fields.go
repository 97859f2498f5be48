package mbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/value"
)

// fieldBuilder names records as flat keys, e.g. "volume", "volume_storage1",
// "energy_tariff2_max". Numeric values are stored as float64, everything
// else as its string form.
type fieldBuilder struct {
	m map[string]any
}

func newFieldBuilder() *fieldBuilder { return &fieldBuilder{m: make(map[string]any)} }

func (b *fieldBuilder) add(r records.Record) {
	key := fieldKey(r)
	if _, dup := b.m[key]; dup {
		key += "_" + strconv.Itoa(r.Index)
	}
	if r.Value.Numeric() {
		b.m[key] = r.Value.Float64()
		return
	}
	b.m[key] = r.Value.String()
}

func fieldKey(r records.Record) string {
	name := "unknown"
	if r.Unit.Known() {
		name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(r.Unit.Quantity), " ", "_"))
		name = strings.TrimSuffix(name, ".")
	}
	if n := r.DIB.StorageNumber(); n != 0 {
		name += "_storage" + strconv.FormatUint(n, 10)
	}
	if t := r.DIB.Tariff(); t != 0 {
		name += "_tariff" + strconv.Itoa(t)
	}
	if d := r.DIB.Device(); d != 0 {
		name += "_device" + strconv.Itoa(d)
	}
	switch r.DIB.Function() {
	case value.FunctionMaximum:
		name += "_max"
	case value.FunctionMinimum:
		name += "_min"
	case value.FunctionError:
		name += "_error"
	}
	return name
}

// FieldSet offers typed helpers on top of a dynamic field map.
type FieldSet struct {
	data map[string]any
}

// FieldSet returns a FieldSet wrapper for the result's fields.
func (r Result) FieldSet() FieldSet {
	return FieldSet{data: r.Fields}
}

// Map exposes the underlying map for callers that still need raw access.
func (fs FieldSet) Map() map[string]any {
	return fs.data
}

// Raw returns the stored value without conversions.
func (fs FieldSet) Raw(key string) (any, bool) {
	if fs.data == nil {
		return nil, false
	}
	v, ok := fs.data[key]
	return v, ok
}

// Float returns the field coerced to float64.
func (fs FieldSet) Float(key string) (float64, error) {
	v, ok := fs.Raw(key)
	if !ok {
		return 0, fmt.Errorf("field %q missing", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q has unsupported type %T", key, v)
	}
}

// String returns the field as a string.
func (fs FieldSet) String(key string) (string, error) {
	v, ok := fs.Raw(key)
	if !ok {
		return "", fmt.Errorf("field %q missing", key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
