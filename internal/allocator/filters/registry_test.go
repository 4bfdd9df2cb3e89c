package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/pkg/resource"
)

var (
	fullAgent = resource.FromScalars(map[string]float64{"cpus": 4, "mem": 1024})
	halfAgent = resource.FromScalars(map[string]float64{"cpus": 2, "mem": 512})
)

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.NewFakeClock(time.Now())
	return NewRegistry(fakeClock), fakeClock
}

func TestMatchesRefusedSubset(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	filter := NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second))
	registry.Put(filter)

	assert.True(t, registry.Matches("f1", "a1", fullAgent))
	assert.True(t, registry.Matches("f1", "a1", halfAgent))
	// More than was refused is not blocked.
	bigger := fullAgent.DeepCopy()
	bigger.Add(resource.FromScalars(map[string]float64{"cpus": 1}))
	assert.False(t, registry.Matches("f1", "a1", bigger))
}

func TestMatchesIsPerAgentAndPerFramework(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	registry.Put(NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second)))

	assert.False(t, registry.Matches("f1", "a2", halfAgent))
	assert.False(t, registry.Matches("f2", "a1", halfAgent))
}

func TestMatchesStopsAtDeadline(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	registry.Put(NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second)))

	fakeClock.Step(9 * time.Second)
	assert.True(t, registry.Matches("f1", "a1", halfAgent))

	// At the deadline the filter no longer blocks, even before its
	// expiry event has been processed.
	fakeClock.Step(time.Second)
	assert.False(t, registry.Matches("f1", "a1", halfAgent))
}

func TestExpireRemovesFilter(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	filter := NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second))
	registry.Put(filter)

	require.True(t, registry.Expire("f1", filter.ID))
	assert.Equal(t, 0, registry.ActiveCount())
	assert.False(t, registry.Matches("f1", "a1", halfAgent))
}

func TestExpireAfterDropAllIsNoop(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	filter := NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second))
	registry.Put(filter)

	assert.Equal(t, 1, registry.DropAll("f1"))
	// The pending expiry finds the filter already detached.
	assert.False(t, registry.Expire("f1", filter.ID))
}

func TestExpireDoesNotConfuseReplacementFilter(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	stale := NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(10*time.Second))
	registry.Put(stale)
	registry.DropAll("f1")

	// A new filter for the same framework and agent must not be expired
	// by the stale filter's timer.
	replacement := NewRefusedFilter("f1", "a1", fullAgent, fakeClock.Now().Add(20*time.Second))
	registry.Put(replacement)
	assert.False(t, registry.Expire("f1", stale.ID))
	assert.True(t, registry.Matches("f1", "a1", halfAgent))
}

func TestActiveCount(t *testing.T) {
	registry, fakeClock := newTestRegistry(t)
	deadline := fakeClock.Now().Add(10 * time.Second)
	registry.Put(NewRefusedFilter("f1", "a1", fullAgent, deadline))
	registry.Put(NewRefusedFilter("f1", "a2", fullAgent, deadline))
	registry.Put(NewRefusedFilter("f2", "a1", fullAgent, deadline))
	assert.Equal(t, 3, registry.ActiveCount())
	registry.DropAll("f1")
	assert.Equal(t, 1, registry.ActiveCount())
}
