// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// cyclicGraphError is returned when a graph edit would introduce a
// parent/child cycle.
type cyclicGraphError struct {
	name string
}

func (e *cyclicGraphError) Error() string {
	return fmt.Sprintf("adding device %q would create a cycle", e.name)
}

// IsCyclicGraphError reports whether err indicates a rejected cyclic
// graph edit.
func IsCyclicGraphError(err error) bool {
	_, ok := errors.Cause(err).(*cyclicGraphError)
	return ok
}

// hasDependentsError is returned when a device cannot be removed,
// hidden or destroyed because other devices still depend on it.
type hasDependentsError struct {
	name       string
	dependents []string
}

func (e *hasDependentsError) Error() string {
	return fmt.Sprintf(
		"device %q still required by %s",
		e.name, strings.Join(e.dependents, ", "),
	)
}

// IsHasDependentsError reports whether err indicates an operation
// rejected because of live dependents.
func IsHasDependentsError(err error) bool {
	_, ok := errors.Cause(err).(*hasDependentsError)
	return ok
}

// actionNotFoundError is returned by ActionList.Remove for an action
// that is not pending.
type actionNotFoundError struct {
	action string
}

func (e *actionNotFoundError) Error() string {
	return fmt.Sprintf("action %s not pending", e.action)
}

// IsActionNotFoundError reports whether err indicates removal of an
// action that is not in the pending list.
func IsActionNotFoundError(err error) bool {
	_, ok := errors.Cause(err).(*actionNotFoundError)
	return ok
}

// protectedDeviceError is returned when a destructive action targets
// a protected device.
type protectedDeviceError struct {
	name string
}

func (e *protectedDeviceError) Error() string {
	return fmt.Sprintf("device %q is protected", e.name)
}

// IsProtectedDeviceError reports whether err indicates a destructive
// action rejected on a protected device.
func IsProtectedDeviceError(err error) bool {
	_, ok := errors.Cause(err).(*protectedDeviceError)
	return ok
}
