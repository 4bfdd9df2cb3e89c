// Package filters tracks per-framework refusal filters: time-bounded
// declarations "do not offer me resources <= R on agent a".
package filters

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// RefusedFilter blocks offers of any subset of the refused resources on
// one agent until its deadline. The ID is the filter's identity: expiry
// timers hold the ID rather than the record, so a filter detached early
// (revival, framework removal) cannot be confused with a later filter
// occupying the same map slot.
type RefusedFilter struct {
	ID          uuid.UUID
	FrameworkID api.FrameworkID
	AgentID     api.AgentID
	Refused     resource.Resources
	Deadline    time.Time
}

func NewRefusedFilter(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	refused resource.Resources,
	deadline time.Time,
) *RefusedFilter {
	return &RefusedFilter{
		ID:          uuid.New(),
		FrameworkID: frameworkID,
		AgentID:     agentID,
		Refused:     refused,
		Deadline:    deadline,
	}
}

// Registry is the identity-keyed collection of active filters. All
// methods must be called from the allocator's goroutine.
type Registry struct {
	clock       clock.Clock
	byFramework map[api.FrameworkID]map[uuid.UUID]*RefusedFilter
}

func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clock:       clk,
		byFramework: map[api.FrameworkID]map[uuid.UUID]*RefusedFilter{},
	}
}

// Put attaches a filter. The caller is responsible for scheduling the
// matching expiry event.
func (r *Registry) Put(filter *RefusedFilter) {
	attached, ok := r.byFramework[filter.FrameworkID]
	if !ok {
		attached = map[uuid.UUID]*RefusedFilter{}
		r.byFramework[filter.FrameworkID] = attached
	}
	attached[filter.ID] = filter
}

// DropAll detaches every filter of the framework and returns how many
// were detached. The records themselves die with their pending expiry
// events, which tolerate the detachment.
func (r *Registry) DropAll(frameworkID api.FrameworkID) int {
	n := len(r.byFramework[frameworkID])
	delete(r.byFramework, frameworkID)
	return n
}

// Expire removes the identified filter if it is still attached and
// reports whether it was. A false return means the filter was already
// detached by DropAll and the expiry is a no-op.
func (r *Registry) Expire(frameworkID api.FrameworkID, id uuid.UUID) bool {
	attached, ok := r.byFramework[frameworkID]
	if !ok {
		return false
	}
	if _, ok := attached[id]; !ok {
		return false
	}
	delete(attached, id)
	if len(attached) == 0 {
		delete(r.byFramework, frameworkID)
	}
	return true
}

// Matches reports whether any active filter of the framework blocks an
// offer of the given resources on the given agent. A filter matches if
// the agent is its target, the offered resources are a subset of the
// refused ones and its deadline has not passed. Results must not be
// cached across allocation passes.
func (r *Registry) Matches(frameworkID api.FrameworkID, agentID api.AgentID, offered resource.Resources) bool {
	now := r.clock.Now()
	for _, filter := range r.byFramework[frameworkID] {
		if filter.AgentID != agentID {
			continue
		}
		if !now.Before(filter.Deadline) {
			continue
		}
		if filter.Refused.Contains(offered) {
			log.WithField("framework", frameworkID).
				WithField("agent", agentID).
				Debugf("Filtered %s", offered)
			return true
		}
	}
	return false
}

// ActiveCount returns the number of attached filters.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, attached := range r.byFramework {
		n += len(attached)
	}
	return n
}
