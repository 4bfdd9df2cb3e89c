// Package api holds the identity and descriptor types shared between the
// allocator and the master that embeds it. Identities are opaque stable
// strings owned by the master; the allocator only compares them.
package api

import (
	"github.com/flotillaproject/flotilla/pkg/resource"
)

type AgentID string

type FrameworkID string

// AgentInfo describes a worker node. Resources is the advertised
// capacity and is immutable for the lifetime of the registration.
type AgentInfo struct {
	Hostname  string
	Resources resource.Resources
}

// FrameworkInfo describes a tenant scheduler.
type FrameworkInfo struct {
	Name string
	User string
	Role string
}

// Filters accompanies a refusal: how long the refused resources should
// be withheld from the refusing framework. Zero installs no filter.
type Filters struct {
	RefuseSeconds float64
}

// Request is an advisory resource hint from a framework. The default
// policy records its arrival and nothing else.
type Request struct {
	AgentID   AgentID
	Resources resource.Resources
}

// TaskInfo identifies a task for the advisory task hooks.
type TaskInfo struct {
	TaskID    string
	AgentID   AgentID
	Resources resource.Resources
}

// ExecutorInfo identifies an executor for the advisory executor hooks.
type ExecutorInfo struct {
	ExecutorID string
	Resources  resource.Resources
}
