package cache

import (
	"reflect"
)

const (
	// MinEntrySize is the smallest size ever reported for a value.
	MinEntrySize int64 = 64

	// maxSampledElements bounds how many elements of a slice, array or map
	// are walked; the remainder is extrapolated from the sample.
	maxSampledElements = 100

	maxSizeDepth = 8

	// maxSizeNodes bounds the values visited for one estimate. Nested
	// containers multiply the per-level sample, so depth alone does not
	// bound the work.
	maxSizeNodes = 10000

	mapHeaderSize = 48
)

// SizeEstimator estimates how many bytes a value occupies.
//
// Estimates are approximate. The cache uses them for its memory budget,
// which is therefore a soft limit, not exact accounting.
type SizeEstimator interface {
	EstimateSize(v any) int64
}

// SizeFunc adapts a function to SizeEstimator.
type SizeFunc func(v any) int64

// EstimateSize calls f(v).
func (f SizeFunc) EstimateSize(v any) int64 { return f(v) }

// Sizer is implemented by values that know their own approximate size.
type Sizer interface {
	CacheSize() int64
}

// ApproxSizer is the default estimator. Values implementing Sizer report
// themselves; everything else is walked reflectively, sampling at most 100
// elements per container, visiting at most 10000 values and never
// reporting less than MinEntrySize.
type ApproxSizer struct{}

// EstimateSize returns an approximate size in bytes.
func (ApproxSizer) EstimateSize(v any) int64 {
	if v == nil {
		return MinEntrySize
	}
	if s, ok := v.(Sizer); ok {
		return max(s.CacheSize(), MinEntrySize)
	}
	w := sizeWalker{budget: maxSizeNodes}
	return max(w.sizeOf(reflect.ValueOf(v), 0), MinEntrySize)
}

// sizeWalker carries the visit budget of one estimate. Once it is spent,
// values are counted by their shallow size only.
type sizeWalker struct {
	budget  int
	visited int
}

func (w *sizeWalker) sizeOf(v reflect.Value, depth int) int64 {
	if !v.IsValid() {
		return 0
	}
	t := v.Type()
	if depth > maxSizeDepth || w.visited >= w.budget {
		return int64(t.Size())
	}
	w.visited++

	switch v.Kind() {
	case reflect.String:
		return int64(t.Size()) + int64(v.Len())

	case reflect.Pointer:
		if v.IsNil() {
			return int64(t.Size())
		}
		return int64(t.Size()) + w.sizeOf(v.Elem(), depth+1)

	case reflect.Interface:
		if v.IsNil() {
			return int64(t.Size())
		}
		return int64(t.Size()) + w.sizeOf(v.Elem(), depth+1)

	case reflect.Slice:
		if v.IsNil() {
			return int64(t.Size())
		}
		return int64(t.Size()) + w.sequenceSize(v, depth)

	case reflect.Array:
		return w.sequenceSize(v, depth)

	case reflect.Map:
		if v.IsNil() {
			return int64(t.Size())
		}
		return w.mapSize(v, depth)

	case reflect.Struct:
		var total int64
		for i := 0; i < v.NumField(); i++ {
			total += w.sizeOf(v.Field(i), depth+1)
		}
		if total < int64(t.Size()) {
			total = int64(t.Size())
		}
		return total

	default:
		return int64(t.Size())
	}
}

func (w *sizeWalker) sequenceSize(v reflect.Value, depth int) int64 {
	n := v.Len()
	if n == 0 {
		return 0
	}
	elem := v.Type().Elem()
	if isFlat(elem) {
		return int64(n) * int64(elem.Size())
	}

	sample := min(n, maxSampledElements)
	var total int64
	for i := 0; i < sample; i++ {
		total += w.sizeOf(v.Index(i), depth+1)
	}
	return total * int64(n) / int64(sample)
}

func (w *sizeWalker) mapSize(v reflect.Value, depth int) int64 {
	n := v.Len()
	if n == 0 {
		return mapHeaderSize
	}

	var total int64
	sampled := 0
	iter := v.MapRange()
	for iter.Next() && sampled < maxSampledElements {
		total += w.sizeOf(iter.Key(), depth+1) + w.sizeOf(iter.Value(), depth+1)
		sampled++
	}
	return mapHeaderSize + total*int64(n)/int64(sampled)
}

// isFlat reports whether values of t contain no references.
func isFlat(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isFlat(t.Elem())
	default:
		return false
	}
}

// isNothing reports whether v represents the absence of a value: a nil
// interface or a nil pointer, map, slice, channel or function.
func isNothing(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
