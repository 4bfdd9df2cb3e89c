package allocator

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/allocator/fairness"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// allocate runs a global allocation pass over every registered agent.
func (a *Allocator) allocate() {
	a.allocateFor(a.ledger.AgentIDs())
}

// allocateFor runs one allocation pass over the given agents: snapshot
// the offerable resources, order the active frameworks by dominant
// share, and greedily hand each framework, in order, every remaining
// agent it does not filter. Offers are recorded against the ledger as
// they are decided and emitted together once the pass is complete.
func (a *Allocator) allocateFor(agentIds []api.AgentID) {
	a.metrics.passes++

	frameworkIds := a.ledger.ActiveFrameworkIDs()
	if len(frameworkIds) == 0 {
		log.Debug("No frameworks to allocate resources to")
		return
	}

	drf := fairness.NewDominantResourceFairness(a.ledger.Total())
	drf.Order(frameworkIds, a.ledger.AllocationOf)

	available := a.availableResources(agentIds)
	if len(available) == 0 {
		log.Debug("No resources available to allocate")
		return
	}

	type pendingOffer struct {
		frameworkID api.FrameworkID
		offers      map[api.AgentID]resource.Resources
	}
	var pending []pendingOffer

	for _, frameworkID := range frameworkIds {
		offers := map[api.AgentID]resource.Resources{}
		for _, agentID := range sortedAgentIds(available) {
			offerable := available[agentID]
			if a.registry.Matches(frameworkID, agentID, offerable) {
				continue
			}
			if err := a.ledger.Grant(frameworkID, agentID, offerable); err != nil {
				log.WithError(err).Panicf("Accounting violation granting offer")
			}
			offers[agentID] = offerable
			delete(available, agentID)
		}
		if len(offers) > 0 {
			pending = append(pending, pendingOffer{frameworkID: frameworkID, offers: offers})
		}
		if len(available) == 0 {
			break
		}
	}

	// Emitting after the pass keeps offer callbacks from ever observing
	// a half-updated ledger.
	for _, p := range pending {
		for agentID, offered := range p.offers {
			log.WithField("framework", p.frameworkID).WithField("agent", agentID).
				Debugf("Offering %s", offered)
		}
		a.metrics.offersEmitted += uint64(len(p.offers))
		a.offer(p.frameworkID, p.offers)
	}
}

// availableResources snapshots, for each considered agent, the free
// resources that are worth offering: allocatable, whitelisted and
// passing the min-viable cpu+mem gate. The gate prevents an offer loop
// where a framework is handed, say, memory with no cpu, declines with
// its default refusal duration, and is then locked out of the cpu it
// actually wants for the whole refusal interval.
func (a *Allocator) availableResources(agentIds []api.AgentID) map[api.AgentID]resource.Resources {
	available := map[api.AgentID]resource.Resources{}
	for _, agentID := range agentIds {
		if !a.ledger.HasAgent(agentID) {
			continue
		}
		if !a.ledger.IsWhitelisted(agentID) {
			continue
		}
		free := a.ledger.FreeOf(agentID).Allocatable(resource.DefaultEpsilon)
		if free.ScalarValue("cpus") < a.config.MinCpus || free.ScalarValue("mem") < a.config.MinMemMib {
			continue
		}
		log.WithField("agent", agentID).Debugf("Found available resources: %s", free)
		available[agentID] = free
	}
	return available
}

func sortedAgentIds(available map[api.AgentID]resource.Resources) []api.AgentID {
	ids := make([]api.AgentID, 0, len(available))
	for id := range available {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
