// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/blockplan/device"
)

// Source yields the devices present on the live system, with parent
// linkage already resolved and parents ordered before children. How
// the devices are discovered (udev, sysfs, utility output) is the
// collaborator's concern.
type Source interface {
	Devices() ([]*device.Device, error)
}

// Populate folds the source's view of the system into the tree.
// It is the explicit reconciliation entry point: external changes
// (devices appearing or disappearing behind the model's back) are
// only ever observed here, never by background mutation.
//
// Populate is idempotent: re-running against an unchanged system
// changes nothing: same device count, same ids, same relations.
// Devices are matched by name; a matched device is updated in place
// so its id and any pointers held by the caller stay valid. Existing
// devices that the source no longer reports are dropped, children
// first, unless actions are pending against them.
func (t *Tree) Populate(src Source) error {
	discovered, err := src.Devices()
	if err != nil {
		return errors.Annotate(err, "discovering devices")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	reported := set.NewStrings()
	// Maps each discovered object's id to the tree's own object for
	// the same device, so parent links on newly discovered children
	// can be rewritten to the surviving identities.
	adopted := make(map[string]*device.Device)
	for _, d := range discovered {
		if d == nil {
			return errors.NotValidf("nil device from population source")
		}
		reported.Add(d.Name())
		current := t.deviceByName(d.Name())
		if current == nil {
			for _, pid := range d.Parents() {
				if existing, ok := adopted[pid]; ok {
					d.RemoveParent(pid)
					d.AddParent(existing.ID())
				}
			}
			if err := t.addDevice(d); err != nil {
				return errors.Annotatef(err, "populating device %q", d.Name())
			}
			adopted[d.ID()] = d
			continue
		}
		adopted[d.ID()] = current
		if current.Kind() != d.Kind() {
			return errors.NotValidf(
				"device %q changed kind from %s to %s",
				d.Name(), current.Kind(), d.Kind(),
			)
		}
		t.refreshDevice(current, d)
	}

	// Drop devices that vanished from the system, children first.
	// Planned devices and devices with pending actions are the
	// model's own business and are left alone.
	for _, d := range t.removalOrder() {
		if reported.Contains(d.Name()) || !d.Exists() {
			continue
		}
		if len(t.actions.findLocked(MatchDevice(d))) > 0 {
			logger.Warningf(
				"device %q vanished but has pending actions; keeping it", d.Name(),
			)
			continue
		}
		if len(t.childrenOf(d)) > 0 {
			// Still holding children that were re-reported; keep it
			// rather than orphan them.
			continue
		}
		t.removeDevice(d)
	}
	return nil
}

// refreshDevice folds newly discovered attributes into the device
// already registered under the same name, preserving its identity.
func (t *Tree) refreshDevice(current, discovered *device.Device) {
	current.SetSize(discovered.Size())
	current.SetExists(true)
	if discovered.Path() != "" {
		current.SetPath(discovered.Path())
	}
	if discovered.UUID() != "" {
		current.SetUUID(discovered.UUID())
	}
	// Adopt the discovered format only when the model has no pending
	// format change of its own for the device.
	pendingFormat := t.actions.findLocked(MatchDevice(current), MatchFormat())
	if len(pendingFormat) == 0 {
		current.SetFormat(discovered.Format())
	}
}

// removalOrder returns all devices children-first, so vanished
// subtrees are dismantled leaves inward.
func (t *Tree) removalOrder() []*device.Device {
	var out []*device.Device
	seen := set.NewStrings()
	var visit func(d *device.Device)
	visit = func(d *device.Device) {
		if seen.Contains(d.ID()) {
			return
		}
		seen.Add(d.ID())
		for _, c := range t.childrenOf(d) {
			visit(c)
		}
		out = append(out, d)
	}
	for _, d := range t.allDevices() {
		if len(d.Parents()) == 0 {
			visit(d)
		}
	}
	// A DAG leaves nothing unreached from the roots, but a device
	// whose parents were all force-removed would be; sweep those up
	// last.
	for _, d := range t.allDevices() {
		if !seen.Contains(d.ID()) {
			out = append(out, d)
		}
	}
	return out
}
