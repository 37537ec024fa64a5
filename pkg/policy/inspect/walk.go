package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Value inspects every string reachable from v and returns a rewritten copy
// holding the redactions. v itself is never mutated. Map keys are visited in
// sorted order so findings are reported deterministically.
//
// Typed values (structs, pointers, typed maps and slices) are inspected
// through their JSON form. When a redaction applies to one of them the
// returned copy is that JSON form rather than the original type.
func (i *Inspector) Value(ctx context.Context, v any) (any, Report, error) {
	w := walker{inspector: i, remaining: i.maxFindings}
	out, err := w.walk(ctx, v, "$")
	if err != nil {
		return v, Report{}, err
	}
	return out, Report{Findings: w.findings, Redacted: w.redacted, Blocked: w.blocked}, nil
}

type walker struct {
	inspector *Inspector
	findings  []Finding
	remaining int
	redacted  bool
	blocked   bool
}

func (w *walker) text(text, path string) string {
	out, findings, blocked := w.inspector.scan(text, path, w.remaining)
	w.remaining -= len(findings)
	w.findings = append(w.findings, findings...)
	w.blocked = w.blocked || blocked
	if out != text {
		w.redacted = true
	}
	return out
}

func (w *walker) walk(ctx context.Context, v any, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch typed := v.(type) {
	case nil, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case string:
		return w.text(typed, path), nil
	case []byte:
		return []byte(w.text(string(typed), path)), nil
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		copied := make(map[string]any, len(typed))
		for _, key := range keys {
			out, err := w.walk(ctx, typed[key], path+"."+key)
			if err != nil {
				return nil, err
			}
			copied[key] = out
		}
		return copied, nil
	case []any:
		copied := make([]any, len(typed))
		for idx, item := range typed {
			out, err := w.walk(ctx, item, path+"["+strconv.Itoa(idx)+"]")
			if err != nil {
				return nil, err
			}
			copied[idx] = out
		}
		return copied, nil
	default:
		return w.walkTyped(ctx, v, path)
	}
}

// walkTyped inspects any other value through its JSON form. The original
// value is returned untouched unless a redaction applied inside it.
func (w *walker) walkTyped(ctx context.Context, v any, path string) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return v, nil
	case reflect.String:
		out := w.text(rv.String(), path)
		if out == rv.String() {
			return v, nil
		}
		return out, nil
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return v, nil
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("inspect: cannot inspect %T at %s: %w", v, path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("inspect: cannot inspect %T at %s: %w", v, path, err)
	}

	before := w.redacted
	w.redacted = false
	out, err := w.walk(ctx, normalized, path)
	if err != nil {
		return nil, err
	}
	changed := w.redacted
	w.redacted = before || changed
	if !changed {
		return v, nil
	}
	return out, nil
}
