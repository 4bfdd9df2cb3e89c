package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/allocerrors"
	"github.com/flotillaproject/flotilla/pkg/api"
	"github.com/flotillaproject/flotilla/pkg/resource"
)

func agentInfo(hostname string, cpus, mem float64) api.AgentInfo {
	return api.AgentInfo{
		Hostname:  hostname,
		Resources: resource.FromScalars(map[string]float64{"cpus": cpus, "mem": mem}),
	}
}

func TestAddAgentComputesFree(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{Name: "batch"}, resource.Resources{}))
	used := map[api.FrameworkID]resource.Resources{
		"f1": resource.FromScalars(map[string]float64{"cpus": 3, "mem": 512}),
	}
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 8, 1024), used))

	assert.True(t, l.FreeOf("a1").Equal(resource.FromScalars(map[string]float64{"cpus": 5, "mem": 512})))
	assert.True(t, l.AllocationOf("f1").Equal(resource.FromScalars(map[string]float64{"cpus": 3, "mem": 512})))
	assert.True(t, l.Total().Equal(resource.FromScalars(map[string]float64{"cpus": 8, "mem": 1024})))
	assert.NoError(t, l.CheckInvariants())
}

func TestAddAgentDuplicateFails(t *testing.T) {
	l := New()
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))
	err := l.AddAgent("a1", agentInfo("host1", 4, 512), nil)
	var alreadyExists *allocerrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)
}

func TestAddAgentUnknownFrameworkInUsedFails(t *testing.T) {
	l := New()
	used := map[api.FrameworkID]resource.Resources{
		"ghost": resource.FromScalars(map[string]float64{"cpus": 1}),
	}
	err := l.AddAgent("a1", agentInfo("host1", 4, 512), used)
	var notFound *allocerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRemoveAgentShrinksTotal(t *testing.T) {
	l := New()
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))
	require.NoError(t, l.AddAgent("a2", agentInfo("host2", 4, 512), nil))
	require.NoError(t, l.RemoveAgent("a1"))

	assert.False(t, l.HasAgent("a1"))
	assert.True(t, l.Total().Equal(resource.FromScalars(map[string]float64{"cpus": 4, "mem": 512})))

	var notFound *allocerrors.ErrNotFound
	assert.ErrorAs(t, l.RemoveAgent("a1"), &notFound)
}

func TestFrameworkLifecycle(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{Name: "batch"}, resource.Resources{}))

	var alreadyExists *allocerrors.ErrAlreadyExists
	assert.ErrorAs(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}), &alreadyExists)

	assert.Equal(t, []api.FrameworkID{"f1"}, l.ActiveFrameworkIDs())
	require.NoError(t, l.DeactivateFramework("f1"))
	assert.Empty(t, l.ActiveFrameworkIDs())
	require.NoError(t, l.ActivateFramework("f1", api.FrameworkInfo{Name: "batch"}))
	assert.Equal(t, []api.FrameworkID{"f1"}, l.ActiveFrameworkIDs())

	require.NoError(t, l.RemoveFramework("f1"))
	var notFound *allocerrors.ErrNotFound
	assert.ErrorAs(t, l.RemoveFramework("f1"), &notFound)
}

func TestDeactivationPreservesAllocation(t *testing.T) {
	l := New()
	allocated := resource.FromScalars(map[string]float64{"cpus": 2})
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, allocated))
	require.NoError(t, l.DeactivateFramework("f1"))
	assert.True(t, l.AllocationOf("f1").Equal(allocated))
}

func TestGrantMovesFreeToAllocation(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))

	offered := resource.FromScalars(map[string]float64{"cpus": 4, "mem": 512})
	require.NoError(t, l.Grant("f1", "a1", offered))
	assert.True(t, l.FreeOf("a1").IsEmpty())
	assert.True(t, l.AllocationOf("f1").Equal(offered))
	assert.NoError(t, l.CheckInvariants())

	var underflow *ErrUnderflow
	assert.ErrorAs(t, l.Grant("f1", "a1", offered), &underflow)
}

func TestReturnUnused(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))
	offered := resource.FromScalars(map[string]float64{"cpus": 4, "mem": 512})
	require.NoError(t, l.Grant("f1", "a1", offered))

	remainder := resource.FromScalars(map[string]float64{"cpus": 2, "mem": 256})
	require.NoError(t, l.ReturnUnused("f1", "a1", remainder))
	assert.True(t, l.FreeOf("a1").Equal(remainder))
	assert.True(t, l.AllocationOf("f1").Equal(remainder))
	assert.NoError(t, l.CheckInvariants())
}

func TestReturnUnusedUnderflowFails(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))

	var underflow *ErrUnderflow
	err := l.ReturnUnused("f1", "a1", resource.FromScalars(map[string]float64{"cpus": 1}))
	assert.ErrorAs(t, err, &underflow)
}

func TestReturnUnusedUnknownPartiesFail(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))

	var notFound *allocerrors.ErrNotFound
	assert.ErrorAs(t, l.ReturnUnused("ghost", "a1", resource.Resources{}), &notFound)
	assert.ErrorAs(t, l.ReturnUnused("f1", "ghost", resource.Resources{}), &notFound)
}

func TestReturnRecoveredToleratesRemovedFramework(t *testing.T) {
	l := New()
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	all := resource.FromScalars(map[string]float64{"cpus": 8, "mem": 8192})
	used := map[api.FrameworkID]resource.Resources{"f1": all}
	require.NoError(t, l.AddAgent("a1", api.AgentInfo{Hostname: "host1", Resources: all}, used))
	require.NoError(t, l.RemoveFramework("f1"))

	// Removal itself returns nothing.
	assert.True(t, l.FreeOf("a1").IsEmpty())

	require.NoError(t, l.ReturnRecovered("f1", "a1", all))
	assert.True(t, l.FreeOf("a1").Equal(all))
	assert.NoError(t, l.CheckInvariants())
}

func TestReturnRecoveredToleratesRemovedAgent(t *testing.T) {
	l := New()
	allocated := resource.FromScalars(map[string]float64{"cpus": 2})
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, allocated))
	require.NoError(t, l.ReturnRecovered("f1", "gone", allocated))
	assert.True(t, l.AllocationOf("f1").IsEmpty())
}

func TestReturnRecoveredDoubleCreditFails(t *testing.T) {
	l := New()
	all := resource.FromScalars(map[string]float64{"cpus": 8, "mem": 8192})
	require.NoError(t, l.AddFramework("f1", api.FrameworkInfo{}, resource.Resources{}))
	used := map[api.FrameworkID]resource.Resources{"f1": all}
	require.NoError(t, l.AddAgent("a1", api.AgentInfo{Hostname: "host1", Resources: all}, used))

	require.NoError(t, l.ReturnRecovered("f1", "a1", all))
	var underflow *ErrUnderflow
	assert.ErrorAs(t, l.ReturnRecovered("f1", "a1", all), &underflow)
}

func TestWhitelist(t *testing.T) {
	l := New()
	require.NoError(t, l.AddAgent("a1", agentInfo("host1", 4, 512), nil))
	require.NoError(t, l.AddAgent("a2", agentInfo("host2", 4, 512), nil))

	// Nil accepts all.
	assert.True(t, l.IsWhitelisted("a1"))
	assert.True(t, l.IsWhitelisted("a2"))

	l.SetWhitelist(resource.NewSet("host1"))
	assert.True(t, l.IsWhitelisted("a1"))
	assert.False(t, l.IsWhitelisted("a2"))

	l.SetWhitelist(nil)
	assert.True(t, l.IsWhitelisted("a2"))

	assert.False(t, l.IsWhitelisted("ghost"))
}
