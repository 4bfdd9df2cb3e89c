// Package allocerrors contains the generic error types returned across
// the allocator's event surface. Callers match them with errors.As to
// decide between the log-and-drop and fatal-assertion policies.
package allocerrors

import (
	"fmt"
)

// ErrNotFound is returned whenever an event references an agent or
// framework id that is not registered. Races between the master's view
// and the allocator's make this expected, so callers log and drop.
type ErrNotFound struct {
	Type    string // e.g., "agent" or "framework"
	Value   string
	Message string // optional, appended to the error message if set
}

func (err *ErrNotFound) Error() (s string) {
	s = fmt.Sprintf("%s %q is not registered", err.Type, err.Value)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is returned on registration of an id that is already
// present. This indicates a bug in the embedding master and is treated
// as fatal by the event surface.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	s = fmt.Sprintf("%s %q is already registered", err.Type, err.Value)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned on malformed input, e.g. a resource
// vector with negative scalars. The event is rejected before any state
// is mutated.
type ErrInvalidArgument struct {
	Name    string      // name of the offending field
	Value   interface{} // the invalid value
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}
