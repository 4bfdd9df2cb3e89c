package resource

import (
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/api/resource"
)

// DefaultEpsilon is the scalar threshold at or below which a resource
// entry is not considered allocatable.
const DefaultEpsilon = 0.001

// Resources is a multi-dimensional resource vector: a finite map from
// resource name to a typed value. A name holds exactly one of the three
// value kinds. Scalars use milli-precision quantities, ranges hold
// disjoint integer intervals (ports) and sets hold unique strings.
//
// All operations treat missing entries as empty values.
type Resources struct {
	Scalars map[string]resource.Quantity
	Ranges  map[string]RangeList
	Sets    map[string]StringSet
}

// FromScalars builds a scalar-only vector, rounding each value to milli
// precision.
func FromScalars(scalars map[string]float64) Resources {
	rv := Resources{Scalars: make(map[string]resource.Quantity, len(scalars))}
	for name, value := range scalars {
		rv.Scalars[name] = *resource.NewMilliQuantity(int64(math.Round(value*1000)), resource.DecimalSI)
	}
	return rv
}

// WithRange returns a copy of rv with the given range entry unioned in.
func (rv Resources) WithRange(name string, spans ...Span) Resources {
	out := rv.DeepCopy()
	if out.Ranges == nil {
		out.Ranges = map[string]RangeList{}
	}
	out.Ranges[name] = out.Ranges[name].Union(normalize(spans))
	return out
}

// WithSet returns a copy of rv with the given set entry unioned in.
func (rv Resources) WithSet(name string, items ...string) Resources {
	out := rv.DeepCopy()
	if out.Sets == nil {
		out.Sets = map[string]StringSet{}
	}
	set := out.Sets[name]
	if set == nil {
		set = StringSet{}
	}
	for _, item := range items {
		set[item] = true
	}
	out.Sets[name] = set
	return out
}

// ScalarValue returns the scalar entry for name as a float, zero if absent.
func (rv Resources) ScalarValue(name string) float64 {
	q, ok := rv.Scalars[name]
	if !ok {
		return 0
	}
	return float64(q.MilliValue()) / 1000
}

// Add adds other into rv componentwise.
func (rv *Resources) Add(other Resources) {
	for name, q := range other.Scalars {
		if rv.Scalars == nil {
			rv.Scalars = map[string]resource.Quantity{}
		}
		existing := rv.Scalars[name]
		existing.Add(q)
		rv.Scalars[name] = existing
	}
	for name, rl := range other.Ranges {
		if rv.Ranges == nil {
			rv.Ranges = map[string]RangeList{}
		}
		rv.Ranges[name] = rv.Ranges[name].Union(rl)
	}
	for name, set := range other.Sets {
		if rv.Sets == nil {
			rv.Sets = map[string]StringSet{}
		}
		existing := rv.Sets[name]
		if existing == nil {
			existing = StringSet{}
			rv.Sets[name] = existing
		}
		for item := range set {
			existing[item] = true
		}
	}
}

// Sub subtracts other from rv componentwise. Scalars clamp at zero and
// exhausted entries are removed, so the result is always a valid vector.
func (rv *Resources) Sub(other Resources) {
	for name, q := range other.Scalars {
		existing, ok := rv.Scalars[name]
		if !ok {
			continue
		}
		existing.Sub(q)
		if existing.Sign() <= 0 {
			delete(rv.Scalars, name)
		} else {
			rv.Scalars[name] = existing
		}
	}
	for name, rl := range other.Ranges {
		remaining := rv.Ranges[name].Subtract(rl)
		if len(remaining) == 0 {
			delete(rv.Ranges, name)
		} else {
			rv.Ranges[name] = remaining
		}
	}
	for name, set := range other.Sets {
		existing := rv.Sets[name]
		for item := range set {
			delete(existing, item)
		}
		if len(existing) == 0 {
			delete(rv.Sets, name)
		}
	}
}

// Contains reports whether other <= rv componentwise: scalar <=, range
// and set superset.
func (rv Resources) Contains(other Resources) bool {
	for name, q := range other.Scalars {
		existing := rv.Scalars[name]
		if existing.Cmp(q) < 0 {
			return false
		}
	}
	for name, rl := range other.Ranges {
		if !rv.Ranges[name].Contains(rl) {
			return false
		}
	}
	for name, set := range other.Sets {
		existing := rv.Sets[name]
		for item := range set {
			if !existing[item] {
				return false
			}
		}
	}
	return true
}

// Allocatable projects rv onto its allocatable subset: scalar entries at
// or below epsilon are dropped, empty ranges and sets are dropped.
func (rv Resources) Allocatable(epsilon float64) Resources {
	out := Resources{}
	for name, q := range rv.Scalars {
		if float64(q.MilliValue())/1000 > epsilon {
			if out.Scalars == nil {
				out.Scalars = map[string]resource.Quantity{}
			}
			out.Scalars[name] = q.DeepCopy()
		}
	}
	for name, rl := range rv.Ranges {
		if len(rl) > 0 {
			if out.Ranges == nil {
				out.Ranges = map[string]RangeList{}
			}
			out.Ranges[name] = slices.Clone(rl)
		}
	}
	for name, set := range rv.Sets {
		if len(set) > 0 {
			if out.Sets == nil {
				out.Sets = map[string]StringSet{}
			}
			out.Sets[name] = maps.Clone(set)
		}
	}
	return out
}

// IsEmpty reports whether rv has no entries at all.
func (rv Resources) IsEmpty() bool {
	return len(rv.Scalars) == 0 && len(rv.Ranges) == 0 && len(rv.Sets) == 0
}

// Equal reports componentwise equality.
func (rv Resources) Equal(other Resources) bool {
	return rv.Contains(other) && other.Contains(rv)
}

func (rv Resources) DeepCopy() Resources {
	out := Resources{}
	if rv.Scalars != nil {
		out.Scalars = make(map[string]resource.Quantity, len(rv.Scalars))
		for name, q := range rv.Scalars {
			out.Scalars[name] = q.DeepCopy()
		}
	}
	if rv.Ranges != nil {
		out.Ranges = make(map[string]RangeList, len(rv.Ranges))
		for name, rl := range rv.Ranges {
			out.Ranges[name] = slices.Clone(rl)
		}
	}
	if rv.Sets != nil {
		out.Sets = make(map[string]StringSet, len(rv.Sets))
		for name, set := range rv.Sets {
			out.Sets[name] = maps.Clone(set)
		}
	}
	return out
}

// Validate rejects malformed vectors at the boundary: negative scalars,
// inverted range spans and empty resource names. All failures are
// reported together.
func (rv Resources) Validate() error {
	var result *multierror.Error
	for name, q := range rv.Scalars {
		if name == "" {
			result = multierror.Append(result, fmt.Errorf("scalar resource with empty name"))
		}
		if q.Sign() < 0 {
			result = multierror.Append(result, fmt.Errorf("scalar resource %q is negative: %s", name, q.String()))
		}
	}
	for name, rl := range rv.Ranges {
		if name == "" {
			result = multierror.Append(result, fmt.Errorf("range resource with empty name"))
		}
		for _, span := range rl {
			if span.Begin > span.End {
				result = multierror.Append(result, fmt.Errorf("range resource %q has inverted span [%d-%d]", name, span.Begin, span.End))
			}
		}
	}
	for name := range rv.Sets {
		if name == "" {
			result = multierror.Append(result, fmt.Errorf("set resource with empty name"))
		}
	}
	return result.ErrorOrNil()
}

// String renders the vector with deterministic ordering, e.g.
// "cpus:4; mem:1024; ports:[31000-31009]".
func (rv Resources) String() string {
	if rv.IsEmpty() {
		return "{}"
	}
	entries := make([]string, 0, len(rv.Scalars)+len(rv.Ranges)+len(rv.Sets))
	for _, name := range sortedKeys(rv.Scalars) {
		q := rv.Scalars[name]
		entries = append(entries, fmt.Sprintf("%s:%s", name, q.String()))
	}
	for _, name := range sortedKeys(rv.Ranges) {
		entries = append(entries, fmt.Sprintf("%s:%s", name, rv.Ranges[name].String()))
	}
	for _, name := range sortedKeys(rv.Sets) {
		items := maps.Keys(rv.Sets[name])
		slices.Sort(items)
		entries = append(entries, fmt.Sprintf("%s:{%s}", name, strings.Join(items, ",")))
	}
	return strings.Join(entries, "; ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
