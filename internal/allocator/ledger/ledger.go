// Package ledger holds the allocator's authoritative accounting state:
// per-agent advertised and free capacity, per-framework allocations,
// the cluster total and the agent whitelist.
package ledger

import (
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/flotillaproject/flotilla/internal/common/allocerrors"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// ErrUnderflow reports an attempt to subtract more resources than are
// recorded, or to credit an agent beyond its advertised capacity. Both
// indicate the same resources were returned twice and are treated as
// fatal by the event surface.
type ErrUnderflow struct {
	Framework api.FrameworkID
	Agent     api.AgentID
	Message   string
}

func (err *ErrUnderflow) Error() string {
	return fmt.Sprintf("accounting underflow for framework %q on agent %q: %s", err.Framework, err.Agent, err.Message)
}

type agentRecord struct {
	info api.AgentInfo
	// advertised - sum of outstanding allocations on this agent
	free resource.Resources
}

type frameworkRecord struct {
	info   api.FrameworkInfo
	active bool
	// sum over all outstanding offers and running tasks
	allocated resource.Resources
}

// Ledger must only be accessed from the allocator's goroutine.
type Ledger struct {
	agents     map[api.AgentID]*agentRecord
	frameworks map[api.FrameworkID]*frameworkRecord
	// Sum of advertised capacity across all agents.
	total resource.Resources
	// Permitted agent hostnames. Nil accepts all.
	whitelist resource.StringSet
}

func New() *Ledger {
	return &Ledger{
		agents:     map[api.AgentID]*agentRecord{},
		frameworks: map[api.FrameworkID]*frameworkRecord{},
	}
}

// AddAgent registers an agent with its advertised capacity and the
// resources already in use on it, attributed per framework. Every
// framework in used must already be registered.
func (l *Ledger) AddAgent(id api.AgentID, info api.AgentInfo, used map[api.FrameworkID]resource.Resources) error {
	if _, ok := l.agents[id]; ok {
		return &allocerrors.ErrAlreadyExists{Type: "agent", Value: string(id)}
	}
	free := info.Resources.DeepCopy()
	for frameworkID, usedResources := range used {
		framework, ok := l.frameworks[frameworkID]
		if !ok {
			return &allocerrors.ErrNotFound{
				Type:    "framework",
				Value:   string(frameworkID),
				Message: fmt.Sprintf("referenced by used resources of agent %q", id),
			}
		}
		if !free.Contains(usedResources) {
			return &ErrUnderflow{
				Framework: frameworkID,
				Agent:     id,
				Message:   fmt.Sprintf("used %s exceeds remaining capacity %s", usedResources, free),
			}
		}
		framework.allocated.Add(usedResources)
		free.Sub(usedResources)
	}
	l.agents[id] = &agentRecord{info: info, free: free}
	l.total.Add(info.Resources)
	return nil
}

// RemoveAgent unregisters an agent and shrinks the cluster total by its
// advertised capacity. Filters mentioning the agent are not purged
// here; they expire naturally.
func (l *Ledger) RemoveAgent(id api.AgentID) error {
	agent, ok := l.agents[id]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "agent", Value: string(id)}
	}
	l.total.Sub(agent.info.Resources)
	delete(l.agents, id)
	return nil
}

// AddFramework registers a framework as active with its already-used
// resources as the initial allocation.
func (l *Ledger) AddFramework(id api.FrameworkID, info api.FrameworkInfo, used resource.Resources) error {
	if _, ok := l.frameworks[id]; ok {
		return &allocerrors.ErrAlreadyExists{Type: "framework", Value: string(id)}
	}
	l.frameworks[id] = &frameworkRecord{
		info:      info,
		active:    true,
		allocated: used.DeepCopy(),
	}
	return nil
}

// ActivateFramework marks a framework eligible for new offers again and
// refreshes its descriptor.
func (l *Ledger) ActivateFramework(id api.FrameworkID, info api.FrameworkInfo) error {
	framework, ok := l.frameworks[id]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "framework", Value: string(id)}
	}
	framework.info = info
	framework.active = true
	return nil
}

// DeactivateFramework stops new offers to the framework. Its allocation
// is preserved: pending offers may still be accepted or declined.
func (l *Ledger) DeactivateFramework(id api.FrameworkID) error {
	framework, ok := l.frameworks[id]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "framework", Value: string(id)}
	}
	framework.active = false
	return nil
}

// RemoveFramework unregisters a framework. Outstanding resources are
// NOT returned to their agents here: the master owns the canonical list
// of in-flight offers and delivers one ResourcesRecovered per offer,
// and crediting on both paths would double-count.
func (l *Ledger) RemoveFramework(id api.FrameworkID) error {
	if _, ok := l.frameworks[id]; !ok {
		return &allocerrors.ErrNotFound{Type: "framework", Value: string(id)}
	}
	delete(l.frameworks, id)
	return nil
}

// Grant moves resources from an agent's free pool to a framework's
// allocation. Called by the allocation driver when recording an offer.
func (l *Ledger) Grant(frameworkID api.FrameworkID, agentID api.AgentID, offered resource.Resources) error {
	framework, ok := l.frameworks[frameworkID]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "framework", Value: string(frameworkID)}
	}
	agent, ok := l.agents[agentID]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "agent", Value: string(agentID)}
	}
	if !agent.free.Contains(offered) {
		return &ErrUnderflow{
			Framework: frameworkID,
			Agent:     agentID,
			Message:   fmt.Sprintf("offer of %s exceeds free %s", offered, agent.free),
		}
	}
	framework.allocated.Add(offered)
	agent.free.Sub(offered)
	return nil
}

// ReturnUnused credits refused resources back to their agent and debits
// the refusing framework. Both parties must be registered and the
// framework must actually hold the resources.
func (l *Ledger) ReturnUnused(frameworkID api.FrameworkID, agentID api.AgentID, unused resource.Resources) error {
	framework, ok := l.frameworks[frameworkID]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "framework", Value: string(frameworkID)}
	}
	agent, ok := l.agents[agentID]
	if !ok {
		return &allocerrors.ErrNotFound{Type: "agent", Value: string(agentID)}
	}
	if !framework.allocated.Contains(unused) {
		return &ErrUnderflow{
			Framework: frameworkID,
			Agent:     agentID,
			Message:   fmt.Sprintf("unused %s exceeds allocation %s", unused, framework.allocated),
		}
	}
	framework.allocated.Sub(unused)
	return l.creditAgent(frameworkID, agent, agentID, unused)
}

// ReturnRecovered credits recovered resources, tolerating a framework
// or agent that has already been removed: each side is updated
// independently if still present. Crediting an agent beyond its
// advertised capacity is still an underflow, since it means the same
// resources came back twice.
func (l *Ledger) ReturnRecovered(frameworkID api.FrameworkID, agentID api.AgentID, recovered resource.Resources) error {
	if framework, ok := l.frameworks[frameworkID]; ok {
		framework.allocated.Sub(recovered)
	}
	agent, ok := l.agents[agentID]
	if !ok {
		return nil
	}
	return l.creditAgent(frameworkID, agent, agentID, recovered)
}

func (l *Ledger) creditAgent(frameworkID api.FrameworkID, agent *agentRecord, agentID api.AgentID, returned resource.Resources) error {
	credited := agent.free.DeepCopy()
	credited.Add(returned)
	if !agent.info.Resources.Contains(credited) {
		return &ErrUnderflow{
			Framework: frameworkID,
			Agent:     agentID,
			Message:   fmt.Sprintf("returning %s would raise free above advertised %s", returned, agent.info.Resources),
		}
	}
	agent.free = credited
	return nil
}

// SetWhitelist replaces the permitted-hostname set. Nil accepts all.
func (l *Ledger) SetWhitelist(whitelist resource.StringSet) {
	l.whitelist = whitelist
}

// IsWhitelisted reports whether the agent's hostname is permitted.
func (l *Ledger) IsWhitelisted(id api.AgentID) bool {
	agent, ok := l.agents[id]
	if !ok {
		return false
	}
	return l.whitelist == nil || l.whitelist[agent.info.Hostname]
}

func (l *Ledger) HasAgent(id api.AgentID) bool {
	_, ok := l.agents[id]
	return ok
}

func (l *Ledger) HasFramework(id api.FrameworkID) bool {
	_, ok := l.frameworks[id]
	return ok
}

// AgentIDs returns all registered agent ids in unspecified order.
func (l *Ledger) AgentIDs() []api.AgentID {
	return maps.Keys(l.agents)
}

// FrameworkIDs returns all registered framework ids in unspecified order.
func (l *Ledger) FrameworkIDs() []api.FrameworkID {
	return maps.Keys(l.frameworks)
}

// ActiveFrameworkIDs returns the ids of frameworks eligible for offers.
func (l *Ledger) ActiveFrameworkIDs() []api.FrameworkID {
	ids := make([]api.FrameworkID, 0, len(l.frameworks))
	for id, framework := range l.frameworks {
		if framework.active {
			ids = append(ids, id)
		}
	}
	return ids
}

// FreeOf returns a copy of the agent's currently free resources.
func (l *Ledger) FreeOf(id api.AgentID) resource.Resources {
	agent, ok := l.agents[id]
	if !ok {
		return resource.Resources{}
	}
	return agent.free.DeepCopy()
}

// AdvertisedOf returns the agent's advertised capacity.
func (l *Ledger) AdvertisedOf(id api.AgentID) resource.Resources {
	agent, ok := l.agents[id]
	if !ok {
		return resource.Resources{}
	}
	return agent.info.Resources.DeepCopy()
}

// AllocationOf returns a copy of the framework's current allocation.
func (l *Ledger) AllocationOf(id api.FrameworkID) resource.Resources {
	framework, ok := l.frameworks[id]
	if !ok {
		return resource.Resources{}
	}
	return framework.allocated.DeepCopy()
}

// Total returns a copy of the summed advertised capacity.
func (l *Ledger) Total() resource.Resources {
	return l.total.DeepCopy()
}

// AgentCount and FrameworkCount feed the metrics collector.
func (l *Ledger) AgentCount() int     { return len(l.agents) }
func (l *Ledger) FrameworkCount() int { return len(l.frameworks) }

// CheckInvariants verifies the accounting invariants that are decidable
// from ledger state alone: every agent's free resources fit inside its
// advertised capacity, and the sum of all allocations and free pools
// does not exceed the sum of advertised capacity. The sums are equal
// when no recoveries for removed frameworks are in flight.
func (l *Ledger) CheckInvariants() error {
	var outstanding resource.Resources
	for id, agent := range l.agents {
		if !agent.info.Resources.Contains(agent.free) {
			return fmt.Errorf("agent %q: free %s exceeds advertised %s", id, agent.free, agent.info.Resources)
		}
		outstanding.Add(agent.free)
	}
	for _, framework := range l.frameworks {
		outstanding.Add(framework.allocated)
	}
	for name, q := range outstanding.Scalars {
		capacity := l.total.Scalars[name]
		if capacity.Cmp(q) < 0 {
			return fmt.Errorf("resource %q: allocated+free %s exceeds cluster total %s", name, q.String(), capacity.String())
		}
	}
	return nil
}
