// Package fairness implements the dominant-resource-fairness order used
// to decide which framework is offered resources first.
package fairness

import (
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// DominantResourceFairness computes framework shares relative to the
// total advertised capacity of the cluster. Only scalar resources
// contribute; ranges and sets do not influence fairness.
type DominantResourceFairness struct {
	// Total resources across all agents, snapshotted per allocation pass.
	total resource.Resources
}

func NewDominantResourceFairness(total resource.Resources) *DominantResourceFairness {
	return &DominantResourceFairness{total: total}
}

// Share returns the dominant share of an allocation: the maximum over
// scalar resource names of the allocated fraction of cluster capacity.
// Resources with zero capacity are ignored.
func (f *DominantResourceFairness) Share(allocated resource.Resources) float64 {
	var share float64
	for name, capacity := range f.total.Scalars {
		if capacity.Sign() <= 0 {
			continue
		}
		q, ok := allocated.Scalars[name]
		if !ok {
			continue
		}
		fraction := float64(q.MilliValue()) / float64(capacity.MilliValue())
		if fraction > share {
			share = fraction
		}
	}
	return share
}

// Order sorts framework ids by ascending dominant share of their
// allocation, breaking ties by lexicographic id order so identical
// inputs always produce identical orderings. The input slice is sorted
// in place and returned.
func (f *DominantResourceFairness) Order(
	frameworkIds []api.FrameworkID,
	allocationOf func(api.FrameworkID) resource.Resources,
) []api.FrameworkID {
	shares := make(map[api.FrameworkID]float64, len(frameworkIds))
	for _, id := range frameworkIds {
		shares[id] = f.Share(allocationOf(id))
	}
	slices.SortFunc(frameworkIds, func(a, b api.FrameworkID) bool {
		if shares[a] != shares[b] {
			return shares[a] < shares[b]
		}
		return a < b
	})
	return frameworkIds
}
