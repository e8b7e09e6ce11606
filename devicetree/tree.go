// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package devicetree maintains the in-memory model of a machine's
// storage configuration: a DAG of devices, the actions scheduled
// against them, and the ordering and pruning logic that turns those
// actions into a safe commit sequence.
package devicetree

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/naturalsort"

	"github.com/juju/blockplan/device"
)

var logger = loggo.GetLogger("blockplan.devicetree")

// Tree is the canonical registry of all known devices, together with
// the list of actions pending against them. One mutex, owned by the
// tree, guards both; every public entry point on the tree and its
// action list acquires and releases it deterministically, error
// paths included. The lock is not re-entrant: compound sequences
// such as a factory run are sequences of individually guarded calls,
// made atomic by rollback rather than by holding the lock across the
// whole sequence.
type Tree struct {
	mu        sync.Mutex
	devices   map[string]*device.Device
	hidden    map[string][]*device.Device
	hiddenIDs set.Strings
	actions   *ActionList
}

// New returns an empty tree using the wall clock for commit
// bookkeeping.
func New() *Tree {
	return NewWithClock(clock.WallClock)
}

// NewWithClock returns an empty tree stamping committed actions with
// times from clk.
func NewWithClock(clk clock.Clock) *Tree {
	t := &Tree{
		devices:   make(map[string]*device.Device),
		hidden:    make(map[string][]*device.Device),
		hiddenIDs: set.NewStrings(),
	}
	t.actions = newActionList(t, clk)
	return t
}

// Actions returns the tree's action list.
func (t *Tree) Actions() *ActionList {
	return t.actions
}

// Add registers d in the tree. The device's parents must already be
// present; an edit that would introduce a cycle is rejected with a
// CyclicGraphError.
func (t *Tree) Add(d *device.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addDevice(d)
}

// Remove deletes d from the tree without scheduling any physical
// operation. If d has dependents the removal is rejected with a
// HasDependentsError unless force is true, in which case the
// dependents are removed too, children first.
func (t *Tree) Remove(d *device.Device, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[d.ID()]; !ok {
		return errors.NotFoundf("device %q", d.Name())
	}
	if err := t.checkNoPendingActions(d); err != nil {
		return errors.Trace(err)
	}
	dependents := t.dependentsOf(d)
	if len(dependents) > 0 {
		if !force {
			return &hasDependentsError{d.Name(), deviceNames(dependents)}
		}
		for _, dep := range dependents {
			if err := t.checkNoPendingActions(dep); err != nil {
				return errors.Trace(err)
			}
		}
		for _, dep := range dependents {
			t.removeDevice(dep)
		}
	}
	t.removeDevice(d)
	return nil
}

// Device returns the device with the given id.
func (t *Tree) Device(id string) (*device.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceByID(id)
}

// DeviceByName returns the device with the given name.
func (t *Tree) DeviceByName(name string) (*device.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.deviceByName(name); d != nil {
		return d, nil
	}
	return nil, errors.NotFoundf("device %q", name)
}

// Devices returns all visible devices, sorted naturally by name.
func (t *Tree) Devices() []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allDevices()
}

// Disks returns all visible disk devices, sorted naturally by name.
func (t *Tree) Disks() []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	var disks []*device.Device
	for _, d := range t.allDevices() {
		if d.Kind() == device.KindDisk {
			disks = append(disks, d)
		}
	}
	return disks
}

// Leaves returns the devices no other device depends on.
func (t *Tree) Leaves() []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	var leaves []*device.Device
	for _, d := range t.allDevices() {
		if len(t.childrenOf(d)) == 0 {
			leaves = append(leaves, d)
		}
	}
	return leaves
}

// Children returns d's direct dependents, sorted naturally by name.
func (t *Tree) Children(d *device.Device) []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childrenOf(d)
}

// Parents returns d's direct parents.
func (t *Tree) Parents(d *device.Device) []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	var parents []*device.Device
	for _, id := range d.Parents() {
		if p, ok := t.devices[id]; ok {
			parents = append(parents, p)
		}
	}
	return parents
}

// Dependents returns the transitive closure of devices whose removal
// must precede d's, ordered children-first so the result can be torn
// down by simple iteration.
func (t *Tree) Dependents(d *device.Device) []*device.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dependentsOf(d)
}

// Hide removes d and its dependents from active consideration
// without destroying them. The hidden devices, their formats and
// their relations are preserved verbatim; Unhide restores them. A
// hidden device's id is never reused while hidden.
func (t *Tree) Hide(d *device.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[d.ID()]; !ok {
		return errors.NotFoundf("device %q", d.Name())
	}
	group := append(t.dependentsOf(d), d)
	for _, member := range group {
		if err := t.checkNoPendingActions(member); err != nil {
			return errors.Trace(err)
		}
	}
	for _, member := range group {
		t.removeDevice(member)
		t.hiddenIDs.Add(member.ID())
	}
	t.hidden[d.ID()] = group
	logger.Debugf("hid device %q and %d dependents", d.Name(), len(group)-1)
	return nil
}

// Unhide restores a previously hidden device, together with the
// dependents hidden with it, to exactly their pre-hide state.
func (t *Tree) Unhide(d *device.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	group, ok := t.hidden[d.ID()]
	if !ok {
		return errors.NotFoundf("hidden device %q", d.Name())
	}
	// Reinsert parents before children.
	for i := len(group) - 1; i >= 0; i-- {
		member := group[i]
		t.hiddenIDs.Remove(member.ID())
		t.devices[member.ID()] = member
	}
	delete(t.hidden, d.ID())
	return nil
}

// deviceByID returns the visible device with the given id. The model
// lock must be held.
func (t *Tree) deviceByID(id string) (*device.Device, error) {
	if d, ok := t.devices[id]; ok {
		return d, nil
	}
	return nil, errors.NotFoundf("device %q", id)
}

func (t *Tree) deviceByName(name string) *device.Device {
	for _, d := range t.devices {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// addDevice registers d, enforcing id/name uniqueness, parent
// presence, the existence invariant and acyclicity. The model lock
// must be held.
func (t *Tree) addDevice(d *device.Device) error {
	if d == nil {
		return errors.NotValidf("nil device")
	}
	if _, ok := t.devices[d.ID()]; ok {
		return errors.AlreadyExistsf("device %q", d.Name())
	}
	if t.hiddenIDs.Contains(d.ID()) {
		return errors.NotValidf("device %q: id belongs to a hidden device", d.Name())
	}
	if other := t.deviceByName(d.Name()); other != nil {
		return errors.AlreadyExistsf("device named %q", d.Name())
	}
	for _, pid := range d.Parents() {
		if pid == d.ID() {
			return &cyclicGraphError{d.Name()}
		}
		parent, ok := t.devices[pid]
		if !ok {
			return errors.NotFoundf("parent %q of device %q", pid, d.Name())
		}
		if d.Exists() && !parent.Exists() {
			return errors.NotValidf(
				"existing device %q atop nonexistent parent %q",
				d.Name(), parent.Name(),
			)
		}
		if t.isAncestor(d.ID(), parent) {
			return &cyclicGraphError{d.Name()}
		}
	}
	t.devices[d.ID()] = d
	logger.Debugf("added device %q (%s) to the tree", d.Name(), d.Kind())
	return nil
}

// removeDevice deletes d from the registry. The model lock must be
// held; dependency checks are the caller's responsibility.
func (t *Tree) removeDevice(d *device.Device) {
	delete(t.devices, d.ID())
	logger.Debugf("removed device %q (%s) from the tree", d.Name(), d.Kind())
}

// isAncestor reports whether the device with the given id is an
// ancestor of d (reachable through parent links).
func (t *Tree) isAncestor(id string, d *device.Device) bool {
	for _, pid := range d.Parents() {
		if pid == id {
			return true
		}
		if p, ok := t.devices[pid]; ok && t.isAncestor(id, p) {
			return true
		}
	}
	return false
}

func (t *Tree) childrenOf(d *device.Device) []*device.Device {
	var children []*device.Device
	for _, c := range t.devices {
		if c.HasParent(d.ID()) {
			children = append(children, c)
		}
	}
	sortDevices(children)
	return children
}

// dependentsOf returns d's transitive dependents, children first.
// The model lock must be held.
func (t *Tree) dependentsOf(d *device.Device) []*device.Device {
	var out []*device.Device
	seen := set.NewStrings()
	var visit func(x *device.Device)
	visit = func(x *device.Device) {
		for _, c := range t.childrenOf(x) {
			if seen.Contains(c.ID()) {
				continue
			}
			seen.Add(c.ID())
			visit(c)
			out = append(out, c)
		}
	}
	visit(d)
	return out
}

func (t *Tree) checkNoPendingActions(d *device.Device) error {
	if len(t.actions.findLocked(MatchDevice(d))) > 0 {
		return errors.NotValidf("device %q with pending actions", d.Name())
	}
	return nil
}

func (t *Tree) allDevices() []*device.Device {
	all := make([]*device.Device, 0, len(t.devices))
	for _, d := range t.devices {
		all = append(all, d)
	}
	sortDevices(all)
	return all
}

func sortDevices(devices []*device.Device) {
	names := make([]string, 0, len(devices))
	byName := make(map[string]*device.Device)
	for _, d := range devices {
		names = append(names, d.Name())
		byName[d.Name()] = d
	}
	naturalsort.Sort(names)
	for i, name := range names {
		devices[i] = byName[name]
	}
}

func deviceNames(devices []*device.Device) []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name()
	}
	return names
}
