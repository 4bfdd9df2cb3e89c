package configuration

import (
	"time"
)

// AllocatorConfig holds the recognised options of the allocator binary.
type AllocatorConfig struct {
	// Port the prometheus metrics and health endpoints are served on.
	MetricsPort uint16
	// Period of the self-rescheduling batch allocation pass.
	BatchSeconds float64
	// Minimum free cpus for an agent to be considered viable for offers.
	MinCpus float64
	// Minimum free memory, in MiB, for an agent to be considered viable.
	MinMemMib float64
	// Filter duration applied when a refusal carries no explicit one.
	DefaultRefuseSeconds float64
	// Run the accounting sanity check on every batch tick.
	InvariantChecks bool
}

func DefaultConfig() AllocatorConfig {
	return AllocatorConfig{
		MetricsPort:          9001,
		BatchSeconds:         1.0,
		MinCpus:              0.01,
		MinMemMib:            32.0,
		DefaultRefuseSeconds: 5.0,
	}
}

func (c AllocatorConfig) BatchPeriod() time.Duration {
	return time.Duration(c.BatchSeconds * float64(time.Second))
}

func (c AllocatorConfig) DefaultRefusePeriod() time.Duration {
	return time.Duration(c.DefaultRefuseSeconds * float64(time.Second))
}
