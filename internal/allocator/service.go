package allocator

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/allocator/configuration"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

// Service hosts the Allocator core as a single-threaded actor. Inbound
// events enqueue onto an inbox drained by Run; filter expiries are
// delivered through the same inbox and the periodic batch tick is
// handled by the same Run loop, so every event, timer included, is
// processed as a discrete step between whole allocation passes.
type Service struct {
	core   *Allocator
	clock  clock.Clock
	period time.Duration
	inbox  chan func()
	ctx    context.Context
}

func NewService(config configuration.AllocatorConfig, clk clock.Clock, offer OfferFn) *Service {
	s := &Service{
		clock:  clk,
		period: config.BatchPeriod(),
		inbox:  make(chan func(), 1024),
	}
	s.core = New(config, clk, offer, s.scheduleExpiry)
	return s
}

// Metrics returns the collector for the hosted allocator.
func (s *Service) Metrics() *MetricsCollector {
	return s.core.Metrics()
}

// Run drains the inbox until ctx is cancelled. The batch timer re-arms
// only after its pass completes, so ticks never queue behind a slow
// pass. Cancellation abandons all pending timers; expiry goroutines
// already past their deadline observe the cancelled context and return
// without delivering.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	batch := s.clock.After(s.period)
	log.Infof("Allocator started, batch period %s", s.period)
	for {
		select {
		case <-ctx.Done():
			log.Info("Allocator shutting down")
			return nil
		case event := <-s.inbox:
			event()
		case <-batch:
			s.core.Tick()
			batch = s.clock.After(s.period)
		}
	}
}

func (s *Service) enqueue(event func()) {
	s.inbox <- event
}

// scheduleExpiry arranges for the filter's expiry to be delivered back
// into the inbox after d. Invoked from the Run goroutine while handling
// ResourcesUnused.
func (s *Service) scheduleExpiry(frameworkID api.FrameworkID, filterID uuid.UUID, d time.Duration) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	fired := s.clock.After(d)
	go func() {
		select {
		case <-ctx.Done():
		case <-fired:
			select {
			case <-ctx.Done():
			case s.inbox <- func() { s.core.ExpireFilter(frameworkID, filterID) }:
			}
		}
	}()
}

// The event surface. Each method enqueues onto the actor inbox and
// returns without waiting for the event to be processed; it blocks only
// while all 1024 inbox slots are full.

func (s *Service) AgentAdded(id api.AgentID, info api.AgentInfo, used map[api.FrameworkID]resource.Resources) {
	s.enqueue(func() { s.core.AgentAdded(id, info, used) })
}

func (s *Service) AgentRemoved(id api.AgentID) {
	s.enqueue(func() { s.core.AgentRemoved(id) })
}

func (s *Service) FrameworkAdded(id api.FrameworkID, info api.FrameworkInfo, used resource.Resources) {
	s.enqueue(func() { s.core.FrameworkAdded(id, info, used) })
}

func (s *Service) FrameworkActivated(id api.FrameworkID, info api.FrameworkInfo) {
	s.enqueue(func() { s.core.FrameworkActivated(id, info) })
}

func (s *Service) FrameworkDeactivated(id api.FrameworkID) {
	s.enqueue(func() { s.core.FrameworkDeactivated(id) })
}

func (s *Service) FrameworkRemoved(id api.FrameworkID) {
	s.enqueue(func() { s.core.FrameworkRemoved(id) })
}

func (s *Service) UpdateWhitelist(whitelist resource.StringSet) {
	s.enqueue(func() { s.core.UpdateWhitelist(whitelist) })
}

func (s *Service) ResourcesRequested(id api.FrameworkID, requests []api.Request) {
	s.enqueue(func() { s.core.ResourcesRequested(id, requests) })
}

func (s *Service) ResourcesUnused(frameworkID api.FrameworkID, agentID api.AgentID, unused resource.Resources, fltrs *api.Filters) {
	s.enqueue(func() { s.core.ResourcesUnused(frameworkID, agentID, unused, fltrs) })
}

func (s *Service) ResourcesRecovered(frameworkID api.FrameworkID, agentID api.AgentID, recovered resource.Resources) {
	s.enqueue(func() { s.core.ResourcesRecovered(frameworkID, agentID, recovered) })
}

func (s *Service) OffersRevived(id api.FrameworkID) {
	s.enqueue(func() { s.core.OffersRevived(id) })
}

func (s *Service) TaskAdded(id api.FrameworkID, task api.TaskInfo) {
	s.enqueue(func() { s.core.TaskAdded(id, task) })
}

func (s *Service) TaskRemoved(id api.FrameworkID, task api.TaskInfo) {
	s.enqueue(func() { s.core.TaskRemoved(id, task) })
}

func (s *Service) ExecutorAdded(id api.FrameworkID, agentID api.AgentID, executor api.ExecutorInfo) {
	s.enqueue(func() { s.core.ExecutorAdded(id, agentID, executor) })
}

func (s *Service) ExecutorRemoved(id api.FrameworkID, agentID api.AgentID, executor api.ExecutorInfo) {
	s.enqueue(func() { s.core.ExecutorRemoved(id, agentID, executor) })
}
