// Package allocator implements the allocation and offer core of the
// cluster manager: a dominant-resource-fairness policy engine together
// with the offer lifecycle machinery around it (filters, refusals,
// revival, recovery).
//
// The Allocator type is the single-threaded core: every method must be
// invoked from one goroutine. Service wraps it in an inbox-driven actor
// for production use.
package allocator

import (
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/allocator/configuration"
	"github.com/flotillaproject/flotilla/internal/allocator/filters"
	"github.com/flotillaproject/flotilla/internal/allocator/ledger"
	"github.com/flotillaproject/flotilla/internal/common/allocerrors"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// OfferFn is the allocator's single outbound callback: a batch of
// tentative grants for one framework, one entry per agent. It is
// invoked from the allocator's goroutine after an allocation pass has
// fully completed; the receiver must dispatch asynchronously and must
// not reenter the allocator.
type OfferFn func(frameworkID api.FrameworkID, offers map[api.AgentID]resource.Resources)

// ExpiryScheduler is invoked when a refusal filter is installed. The
// hosting runtime arranges for ExpireFilter to be delivered to the
// allocator after d. A nil scheduler installs filters whose removal is
// driven solely by revival or framework removal; matching still honours
// the deadline.
type ExpiryScheduler func(frameworkID api.FrameworkID, filterID uuid.UUID, d time.Duration)

type Allocator struct {
	config         configuration.AllocatorConfig
	clock          clock.Clock
	offer          OfferFn
	scheduleExpiry ExpiryScheduler
	ledger         *ledger.Ledger
	registry       *filters.Registry
	metrics        *metricsState
}

func New(
	config configuration.AllocatorConfig,
	clk clock.Clock,
	offer OfferFn,
	scheduleExpiry ExpiryScheduler,
) *Allocator {
	return &Allocator{
		config:         config,
		clock:          clk,
		offer:          offer,
		scheduleExpiry: scheduleExpiry,
		ledger:         ledger.New(),
		registry:       filters.NewRegistry(clk),
		metrics:        newMetricsState(),
	}
}

// AgentAdded registers an agent with its advertised capacity and the
// resources already in use on it, then runs a targeted allocation pass
// for the new agent.
func (a *Allocator) AgentAdded(id api.AgentID, info api.AgentInfo, used map[api.FrameworkID]resource.Resources) {
	if err := info.Resources.Validate(); err != nil {
		log.WithError(err).WithField("agent", id).Error("Rejecting agent with invalid resources")
		return
	}
	for frameworkID, usedResources := range used {
		if err := usedResources.Validate(); err != nil {
			log.WithError(err).WithField("agent", id).WithField("framework", frameworkID).
				Error("Rejecting agent with invalid used resources")
			return
		}
	}
	if err := a.ledger.AddAgent(id, info, used); err != nil {
		// Duplicate registration or unattributable usage means the
		// master's view and ours have diverged beyond recovery.
		log.WithError(err).Panicf("Failed to add agent %q", id)
	}
	log.WithField("agent", id).Infof("Added agent %s (%s) with %s", id, info.Hostname, info.Resources)
	a.allocateFor([]api.AgentID{id})
	a.publishMetrics()
}

// AgentRemoved unregisters an agent. Filters targeting it are not
// purged; they expire naturally.
func (a *Allocator) AgentRemoved(id api.AgentID) {
	if err := a.ledger.RemoveAgent(id); err != nil {
		log.WithError(err).Warnf("Ignoring removal of unknown agent %q", id)
		return
	}
	log.WithField("agent", id).Info("Removed agent")
	a.publishMetrics()
}

// FrameworkAdded registers a framework and runs a global allocation
// pass.
func (a *Allocator) FrameworkAdded(id api.FrameworkID, info api.FrameworkInfo, used resource.Resources) {
	if err := used.Validate(); err != nil {
		log.WithError(err).WithField("framework", id).Error("Rejecting framework with invalid used resources")
		return
	}
	if err := a.ledger.AddFramework(id, info, used); err != nil {
		log.WithError(err).Panicf("Failed to add framework %q", id)
	}
	log.WithField("framework", id).Info("Added framework")
	a.allocate()
	a.publishMetrics()
}

// FrameworkActivated makes a previously deactivated framework eligible
// for offers again and runs a global allocation pass.
func (a *Allocator) FrameworkActivated(id api.FrameworkID, info api.FrameworkInfo) {
	if err := a.ledger.ActivateFramework(id, info); err != nil {
		log.WithError(err).Warnf("Ignoring activation of unknown framework %q", id)
		return
	}
	log.WithField("framework", id).Info("Activated framework")
	a.allocate()
	a.publishMetrics()
}

// FrameworkDeactivated stops offers to the framework. Its allocation is
// preserved, since pending offers may still be accepted or declined.
func (a *Allocator) FrameworkDeactivated(id api.FrameworkID) {
	if err := a.ledger.DeactivateFramework(id); err != nil {
		log.WithError(err).Warnf("Ignoring deactivation of unknown framework %q", id)
		return
	}
	log.WithField("framework", id).Info("Deactivated framework")
	a.publishMetrics()
}

// FrameworkRemoved unregisters a framework and drops its filters. Its
// outstanding resources are not returned here: the master delivers one
// ResourcesRecovered per in-flight offer.
func (a *Allocator) FrameworkRemoved(id api.FrameworkID) {
	if err := a.ledger.RemoveFramework(id); err != nil {
		log.WithError(err).Warnf("Ignoring removal of unknown framework %q", id)
		return
	}
	dropped := a.registry.DropAll(id)
	log.WithField("framework", id).Infof("Removed framework and detached %d filters", dropped)
	a.allocate()
	a.publishMetrics()
}

// UpdateWhitelist replaces the set of permitted agent hostnames. Nil
// accepts all agents. Triggers a global pass, since previously excluded
// agents may have become offerable.
func (a *Allocator) UpdateWhitelist(whitelist resource.StringSet) {
	a.ledger.SetWhitelist(whitelist)
	if whitelist == nil {
		log.Info("Cleared agent whitelist")
	} else {
		log.Infof("Updated agent whitelist: %d hostnames", len(whitelist))
	}
	a.allocate()
	a.publishMetrics()
}

// ResourcesRequested records an advisory resource hint. The default
// policy does not act on it.
func (a *Allocator) ResourcesRequested(id api.FrameworkID, requests []api.Request) {
	log.WithField("framework", id).Infof("Received resource request with %d entries", len(requests))
}

// ResourcesUnused returns resources a framework refused from an offer.
// A filter is installed for refuseSeconds (defaulted when fltrs is nil)
// when that duration is positive; zero installs none, and a negative
// duration is logged as an error and installs none. The resources are
// returned either way, and a targeted pass runs for the agent.
func (a *Allocator) ResourcesUnused(frameworkID api.FrameworkID, agentID api.AgentID, unused resource.Resources, fltrs *api.Filters) {
	if err := unused.Validate(); err != nil {
		log.WithError(err).WithField("framework", frameworkID).Error("Rejecting unused resources")
		return
	}
	if unused.Allocatable(resource.DefaultEpsilon).IsEmpty() {
		return
	}
	if err := a.ledger.ReturnUnused(frameworkID, agentID, unused); err != nil {
		var notFound *allocerrors.ErrNotFound
		if errors.As(err, &notFound) {
			log.WithError(err).Warnf("Ignoring unused resources from framework %q on agent %q", frameworkID, agentID)
			return
		}
		log.WithError(err).Panicf("Accounting violation returning unused resources")
	}
	log.WithField("framework", frameworkID).WithField("agent", agentID).
		Debugf("Framework left %s unused", unused)

	refuseSeconds := a.config.DefaultRefuseSeconds
	if fltrs != nil {
		refuseSeconds = fltrs.RefuseSeconds
	}
	if refuseSeconds < 0 {
		log.WithField("framework", frameworkID).
			Errorf("Rejecting negative refusal duration %fs; no filter installed", refuseSeconds)
	} else if refuseSeconds > 0 {
		duration := time.Duration(refuseSeconds * float64(time.Second))
		filter := filters.NewRefusedFilter(frameworkID, agentID, unused, a.clock.Now().Add(duration))
		a.registry.Put(filter)
		if a.scheduleExpiry != nil {
			a.scheduleExpiry(frameworkID, filter.ID, duration)
		}
		log.WithField("framework", frameworkID).WithField("agent", agentID).
			Infof("Framework filtered agent for %fs", refuseSeconds)
	}
	a.metrics.declines++
	a.allocateFor([]api.AgentID{agentID})
	a.publishMetrics()
}

// ResourcesRecovered returns resources that came back without an
// explicit refusal: a finished task, a rescinded or timed-out offer, or
// the unwinding of a removed framework. Either party may already be
// gone; whichever is still registered is credited.
func (a *Allocator) ResourcesRecovered(frameworkID api.FrameworkID, agentID api.AgentID, recovered resource.Resources) {
	if err := recovered.Validate(); err != nil {
		log.WithError(err).WithField("framework", frameworkID).Error("Rejecting recovered resources")
		return
	}
	if recovered.Allocatable(resource.DefaultEpsilon).IsEmpty() {
		return
	}
	if err := a.ledger.ReturnRecovered(frameworkID, agentID, recovered); err != nil {
		log.WithError(err).Panicf("Accounting violation recovering resources")
	}
	a.metrics.recoveries++
	if a.ledger.HasAgent(agentID) {
		log.WithField("framework", frameworkID).WithField("agent", agentID).
			Debugf("Recovered %s", recovered)
		a.allocateFor([]api.AgentID{agentID})
	}
	a.publishMetrics()
}

// OffersRevived drops all filters of a framework and runs a global
// pass, so resources it previously refused become offerable to it
// immediately.
func (a *Allocator) OffersRevived(id api.FrameworkID) {
	if !a.ledger.HasFramework(id) {
		log.Warnf("Ignoring revival for unknown framework %q", id)
		return
	}
	dropped := a.registry.DropAll(id)
	log.WithField("framework", id).Infof("Revived offers, detached %d filters", dropped)
	a.allocate()
	a.publishMetrics()
}

// Tick runs the periodic batch allocation pass.
func (a *Allocator) Tick() {
	if a.config.InvariantChecks {
		if err := a.ledger.CheckInvariants(); err != nil {
			log.WithError(err).Warn("Accounting invariant check failed")
		}
	}
	a.allocate()
	a.publishMetrics()
}

// ExpireFilter handles a filter deadline firing. The filter may have
// been detached already by revival or framework removal, in which case
// the expiry is a no-op; only a live filter's removal unblocks offers
// and thus warrants a pass.
func (a *Allocator) ExpireFilter(frameworkID api.FrameworkID, filterID uuid.UUID) {
	if !a.registry.Expire(frameworkID, filterID) {
		return
	}
	a.metrics.expiredFilters++
	log.WithField("framework", frameworkID).Debug("Expired filter")
	a.allocate()
	a.publishMetrics()
}

// TaskAdded, TaskRemoved, ExecutorAdded and ExecutorRemoved are
// advisory hooks for usage-tracking policies. The dominant-share policy
// accounts through offers and recoveries only, so they just log.
func (a *Allocator) TaskAdded(id api.FrameworkID, task api.TaskInfo) {
	log.WithField("framework", id).Debugf("Task %q added", task.TaskID)
}

func (a *Allocator) TaskRemoved(id api.FrameworkID, task api.TaskInfo) {
	log.WithField("framework", id).Debugf("Task %q removed", task.TaskID)
}

func (a *Allocator) ExecutorAdded(id api.FrameworkID, agentID api.AgentID, executor api.ExecutorInfo) {
	log.WithField("framework", id).Debugf("Executor %q added on agent %q", executor.ExecutorID, agentID)
}

func (a *Allocator) ExecutorRemoved(id api.FrameworkID, agentID api.AgentID, executor api.ExecutorInfo) {
	log.WithField("framework", id).Debugf("Executor %q removed from agent %q", executor.ExecutorID, agentID)
}

// CheckInvariants verifies the accounting invariants; see
// ledger.CheckInvariants.
func (a *Allocator) CheckInvariants() error {
	return a.ledger.CheckInvariants()
}
