// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree

import (
	"strings"

	"github.com/juju/errors"

	"github.com/juju/blockplan/device"
)

// resolver attempts to match spec against the visible devices,
// returning the match and true, or nil and false. Resolvers never
// inspect runtime types; each understands exactly one spec flavour.
type resolver func(t *Tree, spec string) (*device.Device, bool)

// resolvers are tried in a fixed priority order: a bare name wins
// over a path, a path over a filesystem UUID, and so on.
var resolvers = []resolver{
	resolveByName,
	resolveByPath,
	resolveByUUID,
	resolveByLabel,
	resolveByPartUUID,
}

// Resolve looks a device up by flexible specification: device name,
// "/dev/..." path, "UUID=", "LABEL=" or "PARTUUID=" key. The first
// resolver in the chain that matches wins.
func (t *Tree) Resolve(spec string) (*device.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, resolve := range resolvers {
		if d, ok := resolve(t, spec); ok {
			return d, nil
		}
	}
	return nil, errors.NotFoundf("device %q", spec)
}

func resolveByName(t *Tree, spec string) (*device.Device, bool) {
	if d := t.deviceByName(spec); d != nil {
		return d, true
	}
	return nil, false
}

func resolveByPath(t *Tree, spec string) (*device.Device, bool) {
	if !strings.HasPrefix(spec, "/dev/") {
		return nil, false
	}
	for _, d := range t.devices {
		if d.Path() == spec {
			return d, true
		}
	}
	// Fall back on the conventional node name for devices populated
	// without an explicit path.
	if d := t.deviceByName(strings.TrimPrefix(spec, "/dev/")); d != nil {
		return d, true
	}
	return nil, false
}

func resolveByUUID(t *Tree, spec string) (*device.Device, bool) {
	uuid, ok := cutPrefix(spec, "UUID=")
	if !ok {
		return nil, false
	}
	for _, d := range t.devices {
		if d.Format().UUID() == uuid {
			return d, true
		}
	}
	return nil, false
}

func resolveByLabel(t *Tree, spec string) (*device.Device, bool) {
	label, ok := cutPrefix(spec, "LABEL=")
	if !ok {
		return nil, false
	}
	for _, d := range t.devices {
		if d.Format().Label() == label {
			return d, true
		}
	}
	return nil, false
}

func resolveByPartUUID(t *Tree, spec string) (*device.Device, bool) {
	uuid, ok := cutPrefix(spec, "PARTUUID=")
	if !ok {
		return nil, false
	}
	for _, d := range t.devices {
		if d.Kind() == device.KindPartition && d.UUID() == uuid {
			return d, true
		}
	}
	return nil, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return strings.TrimPrefix(s, prefix), true
}
