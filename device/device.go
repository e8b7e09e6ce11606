// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package device

import (
	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Geometry describes the addressing characteristics of a disk. All
// partition arithmetic is carried out in sectors of SectorSize bytes,
// aligned to OptimalAlignment-sector boundaries.
type Geometry struct {
	// SectorSize is the logical sector size in bytes.
	SectorSize uint64

	// OptimalAlignment is the preferred alignment grain, in sectors,
	// for partition starts and ends.
	OptimalAlignment uint64
}

// DefaultGeometry returns the geometry assumed for disks that do not
// declare one: 512-byte sectors aligned on 1MiB boundaries.
func DefaultGeometry() *Geometry {
	return &Geometry{SectorSize: 512, OptimalAlignment: 2048}
}

// PartRegion records the concrete placement of a partition on its
// disk: an inclusive range of sectors and the disklabel slot variety
// it occupies.
type PartRegion struct {
	Start uint64
	End   uint64
	Type  PartitionType
}

// Sectors returns the length of the region in sectors.
func (r *PartRegion) Sectors() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Config holds the parameters for constructing a Device.
type Config struct {
	// Name is the device's OS-visible name (e.g. "sda", "sda1",
	// "vg0-root").
	Name string

	// Kind selects the device variety and, through the registry,
	// its backend capability table.
	Kind Kind

	// Size is the device's size in bytes.
	Size uint64

	// Exists indicates the device is already present on physical
	// media, as opposed to being a planned device.
	Exists bool

	// Resizable indicates the device supports in-place resizing.
	Resizable bool

	// Protected blocks destructive actions on the device.
	Protected bool

	// Parents are the devices this one depends on: the disk holding
	// a partition, the member devices of an array or volume group.
	Parents []*Device

	// Path is the device node path, if known (e.g. "/dev/sda1").
	Path string

	// UUID is the device-level unique identifier reported by the
	// platform (a PARTUUID for partitions, an array UUID, etc.).
	UUID string

	// Geometry must be set for disks and is ignored otherwise.
	Geometry *Geometry

	// Region must be set for partitions and is ignored otherwise.
	Region *PartRegion

	// RaidLevel is set for mdarray devices ("raid0", "raid1", ...).
	RaidLevel string

	// Format is the format occupying the device. If nil, the device
	// receives the raw sentinel format.
	Format *Format

	// Backend overrides registry lookup when non-nil.
	Backend Backend

	// Registry used to resolve the backend. Defaults to
	// DefaultRegistry.
	Registry *Registry
}

// Device models a block-device-like entity: a disk, partition, RAID
// array, volume group, logical volume or encrypted volume. Devices
// are identity objects: the device tree owns them, and relations
// between them are expressed as parent ids rather than pointers.
type Device struct {
	id        string
	name      string
	kind      Kind
	size      uint64
	exists    bool
	resizable bool
	protected bool
	parents   []string
	path      string
	uuid      string
	geometry  *Geometry
	region    *PartRegion
	raidLevel string
	format    *Format
	backend   Backend
}

// New constructs a Device from cfg, resolving its backend capability
// table once. An existing device may not be constructed atop a parent
// that does not itself exist: nothing can be on disk on top of
// something that isn't.
func New(cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, errors.NotValidf("device with empty name")
	}
	if cfg.Kind == "" {
		return nil, errors.NotValidf("device %q with empty kind", cfg.Name)
	}
	parents := make([]string, 0, len(cfg.Parents))
	seen := make(map[string]bool)
	for _, p := range cfg.Parents {
		if p == nil {
			return nil, errors.NotValidf("nil parent of device %q", cfg.Name)
		}
		if seen[p.ID()] {
			return nil, errors.NotValidf("duplicate parent %q of device %q", p.Name(), cfg.Name)
		}
		seen[p.ID()] = true
		if cfg.Exists && !p.Exists() {
			return nil, errors.NotValidf(
				"existing device %q with nonexistent parent %q", cfg.Name, p.Name(),
			)
		}
		parents = append(parents, p.ID())
	}
	if cfg.Kind == KindPartition && cfg.Region == nil {
		cfg.Region = &PartRegion{Type: PartitionPrimary}
	}
	if cfg.Kind == KindDisk && cfg.Geometry == nil {
		cfg.Geometry = DefaultGeometry()
	}
	backend := cfg.Backend
	if backend == nil {
		registry := cfg.Registry
		if registry == nil {
			registry = DefaultRegistry
		}
		backend = registry.Backend(cfg.Kind)
	}
	d := &Device{
		id:        uuid.New().String(),
		name:      cfg.Name,
		kind:      cfg.Kind,
		size:      cfg.Size,
		exists:    cfg.Exists,
		resizable: cfg.Resizable,
		protected: cfg.Protected,
		parents:   parents,
		path:      cfg.Path,
		uuid:      cfg.UUID,
		geometry:  cfg.Geometry,
		region:    cfg.Region,
		raidLevel: cfg.RaidLevel,
		backend:   backend,
	}
	format := cfg.Format
	if format == nil {
		format = NewRawFormat()
	}
	d.SetFormat(format)
	return d, nil
}

// ID returns the device's unique id. Ids are never reused, including
// across hide/unhide cycles.
func (d *Device) ID() string { return d.id }

// Name returns the device's OS-visible name.
func (d *Device) Name() string { return d.name }

// Kind returns the device variety.
func (d *Device) Kind() Kind { return d.kind }

// Size returns the device size in bytes. While a resize action is
// pending this is the target size, not the on-disk size.
func (d *Device) Size() uint64 { return d.size }

// Exists reports whether the device is present on physical media.
func (d *Device) Exists() bool { return d.exists }

// Resizable reports whether the device supports in-place resizing.
func (d *Device) Resizable() bool { return d.resizable }

// Protected reports whether destructive actions on the device are
// blocked.
func (d *Device) Protected() bool { return d.protected }

// Parents returns the ids of the devices this one depends on.
func (d *Device) Parents() []string {
	out := make([]string, len(d.parents))
	copy(out, d.parents)
	return out
}

// HasParent reports whether id is a direct parent of the device.
func (d *Device) HasParent(id string) bool {
	for _, p := range d.parents {
		if p == id {
			return true
		}
	}
	return false
}

// Path returns the device node path, which may be empty for planned
// devices.
func (d *Device) Path() string { return d.path }

// UUID returns the device-level unique identifier, which may be
// empty.
func (d *Device) UUID() string { return d.uuid }

// Geometry returns the disk geometry, or nil for non-disks.
func (d *Device) Geometry() *Geometry { return d.geometry }

// Region returns the partition placement, or nil for non-partitions.
func (d *Device) Region() *PartRegion { return d.region }

// RaidLevel returns the RAID level for array devices, else "".
func (d *Device) RaidLevel() string { return d.raidLevel }

// Format returns the format occupying the device, never nil.
func (d *Device) Format() *Format { return d.format }

// Backend returns the capability table resolved at construction.
func (d *Device) Backend() Backend { return d.backend }

// SetSize records a new size. Used by the action machinery and by
// population; not a physical resize.
func (d *Device) SetSize(size uint64) { d.size = size }

// SetExists flips the existence flag. Only the action machinery (on
// successful commit) and population should call this.
func (d *Device) SetExists(exists bool) { d.exists = exists }

// SetPath records the device node path discovered by population.
func (d *Device) SetPath(path string) { d.path = path }

// SetUUID records the device-level identifier discovered by
// population.
func (d *Device) SetUUID(uuid string) { d.uuid = uuid }

// SetFormat installs f as the device's format, maintaining the
// one-format-per-device invariant and the format's back-reference.
// Replacing a format outside the action machinery is only legitimate
// during population.
func (d *Device) SetFormat(f *Format) {
	if f == nil {
		f = NewRawFormat()
	}
	f.device = d.id
	d.format = f
}

// AddParent appends id to the device's parent set. Used by member
// actions; cycle checking is the tree's responsibility.
func (d *Device) AddParent(id string) {
	if !d.HasParent(id) {
		d.parents = append(d.parents, id)
	}
}

// RemoveParent drops id from the device's parent set.
func (d *Device) RemoveParent(id string) {
	for i, p := range d.parents {
		if p == id {
			d.parents = append(d.parents[:i], d.parents[i+1:]...)
			return
		}
	}
}
