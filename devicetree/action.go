// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/juju/blockplan/device"
)

// ActionKind identifies one of the eight mutation primitives. The
// set is closed: the scheduler is not a generic workflow engine.
type ActionKind string

const (
	ActionCreateDevice  ActionKind = "create device"
	ActionDestroyDevice ActionKind = "destroy device"
	ActionResizeDevice  ActionKind = "resize device"
	ActionCreateFormat  ActionKind = "create format"
	ActionDestroyFormat ActionKind = "destroy format"
	ActionResizeFormat  ActionKind = "resize format"
	ActionAddMember     ActionKind = "add member"
	ActionRemoveMember  ActionKind = "remove member"
)

// Action is a single intended state transition: the unit the action
// list orders, prunes and commits. Constructing an action validates
// its preconditions immediately; an invalid request never reaches
// the list, let alone commit time.
type Action struct {
	kind   ActionKind
	device *device.Device

	// format is the new format for create-format actions and the
	// displaced format for destroy-format actions.
	format *device.Format

	// prevFormat is what the device held before a format action was
	// applied, retained so cancellation can restore it exactly.
	prevFormat *device.Format

	// member is the member device of membership actions, for which
	// device is the container.
	member *device.Device

	newSize  uint64
	origSize uint64

	// seq is assigned by the list on Add; it breaks ordering ties
	// and identifies the action in descriptions.
	seq int

	committed time.Time
}

// NewCreateDeviceAction schedules bringing d into existence. The
// device must be a planned (nonexistent) one.
func NewCreateDeviceAction(d *device.Device) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("create of nil device")
	}
	if d.Exists() {
		return nil, errors.NotValidf("create of existing device %q", d.Name())
	}
	return &Action{kind: ActionCreateDevice, device: d}, nil
}

// NewDestroyDeviceAction schedules removing d from physical media.
func NewDestroyDeviceAction(d *device.Device) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("destroy of nil device")
	}
	if d.Protected() {
		return nil, &protectedDeviceError{d.Name()}
	}
	return &Action{kind: ActionDestroyDevice, device: d}, nil
}

// NewResizeDeviceAction schedules resizing d to newSize bytes. Only
// existing, resizable devices may be resized; planned devices are
// simply re-planned.
func NewResizeDeviceAction(d *device.Device, newSize uint64) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("resize of nil device")
	}
	if !d.Exists() {
		return nil, errors.NotValidf("resize of nonexistent device %q", d.Name())
	}
	if !d.Resizable() {
		return nil, errors.NotSupportedf("resizing device %q", d.Name())
	}
	if d.Protected() {
		return nil, &protectedDeviceError{d.Name()}
	}
	if newSize == 0 {
		return nil, errors.NotValidf("resize of device %q to zero", d.Name())
	}
	return &Action{kind: ActionResizeDevice, device: d, newSize: newSize}, nil
}

// NewCreateFormatAction schedules writing f onto d. The device must
// not already carry a format other than the raw sentinel; replacing
// a format requires scheduling its destruction first.
func NewCreateFormatAction(d *device.Device, f *device.Format) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("format of nil device")
	}
	if f == nil || f.IsRaw() {
		return nil, errors.NotValidf("creating empty format on device %q", d.Name())
	}
	if f.Exists() {
		return nil, errors.NotValidf("creating already-existing format on device %q", d.Name())
	}
	current := d.Format()
	if !current.IsRaw() && current.Exists() {
		return nil, errors.NotValidf(
			"device %q already formatted as %s", d.Name(), current.Type(),
		)
	}
	return &Action{kind: ActionCreateFormat, device: d, format: f}, nil
}

// NewDestroyFormatAction schedules removing d's current format,
// leaving the device raw.
func NewDestroyFormatAction(d *device.Device) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("format destroy on nil device")
	}
	if d.Protected() {
		return nil, &protectedDeviceError{d.Name()}
	}
	if d.Format().IsRaw() {
		return nil, errors.NotValidf("destroying absent format on device %q", d.Name())
	}
	return &Action{kind: ActionDestroyFormat, device: d, format: d.Format()}, nil
}

// NewResizeFormatAction schedules resizing the format on d to
// newSize bytes, within the format's declared bounds.
func NewResizeFormatAction(d *device.Device, newSize uint64) (*Action, error) {
	if d == nil {
		return nil, errors.NotValidf("format resize on nil device")
	}
	f := d.Format()
	if f.IsRaw() {
		return nil, errors.NotValidf("resizing absent format on device %q", d.Name())
	}
	if !f.Exists() {
		return nil, errors.NotValidf("resizing nonexistent format on device %q", d.Name())
	}
	if newSize < f.MinSize() {
		return nil, errors.NotValidf(
			"format on %q below minimum size %s", d.Name(), humanize.IBytes(f.MinSize()),
		)
	}
	if f.MaxSize() != 0 && newSize > f.MaxSize() {
		return nil, errors.NotValidf(
			"format on %q above maximum size %s", d.Name(), humanize.IBytes(f.MaxSize()),
		)
	}
	return &Action{kind: ActionResizeFormat, device: d, format: f, newSize: newSize}, nil
}

// NewAddMemberAction schedules adding member to the container device
// (extending a volume group with a PV, growing an array).
func NewAddMemberAction(container, member *device.Device) (*Action, error) {
	if container == nil || member == nil {
		return nil, errors.NotValidf("membership change on nil device")
	}
	if !container.Kind().IsContainer() {
		return nil, errors.NotValidf(
			"adding member to non-container device %q", container.Name(),
		)
	}
	if container.HasParent(member.ID()) {
		return nil, errors.AlreadyExistsf(
			"member %q of %q", member.Name(), container.Name(),
		)
	}
	return &Action{kind: ActionAddMember, device: container, member: member}, nil
}

// NewRemoveMemberAction schedules removing member from the container
// device. A container always retains at least one member.
func NewRemoveMemberAction(container, member *device.Device) (*Action, error) {
	if container == nil || member == nil {
		return nil, errors.NotValidf("membership change on nil device")
	}
	if !container.Kind().IsContainer() {
		return nil, errors.NotValidf(
			"removing member from non-container device %q", container.Name(),
		)
	}
	if !container.HasParent(member.ID()) {
		return nil, errors.NotFoundf(
			"member %q of %q", member.Name(), container.Name(),
		)
	}
	if len(container.Parents()) == 1 {
		return nil, errors.NotValidf(
			"removing last member %q of %q", member.Name(), container.Name(),
		)
	}
	return &Action{kind: ActionRemoveMember, device: container, member: member}, nil
}

// Kind returns the action's kind.
func (a *Action) Kind() ActionKind { return a.kind }

// Device returns the target device; for membership actions, the
// container.
func (a *Action) Device() *device.Device { return a.device }

// Format returns the format a format action creates or destroys,
// nil for device actions.
func (a *Action) Format() *device.Format { return a.format }

// Member returns the member device of a membership action, else nil.
func (a *Action) Member() *device.Device { return a.member }

// NewSize returns the target size of a resize action in bytes.
func (a *Action) NewSize() uint64 { return a.newSize }

// Sequence returns the monotonic id the list assigned on Add, or
// zero for an action not yet added.
func (a *Action) Sequence() int { return a.seq }

// CommitTime returns when the action was committed, or the zero time
// while it is pending.
func (a *Action) CommitTime() time.Time { return a.committed }

// String renders the action description carried on every error so a
// commit failure maps to exactly one physical operation.
func (a *Action) String() string {
	target := a.device.Name()
	switch a.kind {
	case ActionAddMember, ActionRemoveMember:
		target = fmt.Sprintf("%s %s", a.member.Name(), a.device.Name())
	case ActionCreateFormat, ActionDestroyFormat:
		target = fmt.Sprintf("%s on %s", a.format.Type(), a.device.Name())
	case ActionResizeDevice:
		target = fmt.Sprintf("%s to %s", a.device.Name(), humanize.IBytes(a.newSize))
	case ActionResizeFormat:
		target = fmt.Sprintf(
			"%s on %s to %s", a.format.Type(), a.device.Name(), humanize.IBytes(a.newSize),
		)
	}
	return fmt.Sprintf("[%d] %s %s", a.seq, a.kind, target)
}

func (a *Action) isCreate() bool {
	return a.kind == ActionCreateDevice || a.kind == ActionCreateFormat
}

func (a *Action) isDestroy() bool {
	return a.kind == ActionDestroyDevice || a.kind == ActionDestroyFormat
}

// MatchDevice returns a predicate matching actions that target d,
// either directly or as the member of a membership change.
func MatchDevice(d *device.Device) func(*Action) bool {
	return func(a *Action) bool {
		if a.device.ID() == d.ID() {
			return true
		}
		return a.member != nil && a.member.ID() == d.ID()
	}
}

// MatchKind returns a predicate matching actions of any of the given
// kinds.
func MatchKind(kinds ...ActionKind) func(*Action) bool {
	return func(a *Action) bool {
		for _, k := range kinds {
			if a.kind == k {
				return true
			}
		}
		return false
	}
}

// MatchFormat returns a predicate matching actions that carry a
// format.
func MatchFormat() func(*Action) bool {
	return func(a *Action) bool {
		return a.format != nil
	}
}
