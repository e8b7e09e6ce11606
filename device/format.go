// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package device

import (
	"github.com/google/uuid"
	"github.com/juju/errors"
)

// DisklabelInfo carries the partition-table payload of a disklabel
// format.
type DisklabelInfo struct {
	Type DisklabelType
}

// MaxPrimary returns the number of primary (or, for msdos, primary
// plus extended) slots the label supports.
func (i *DisklabelInfo) MaxPrimary() int {
	if i.Type == DisklabelMSDOS {
		return 4
	}
	return 128
}

// SupportsLogical reports whether the label supports logical
// partitions inside an extended partition.
func (i *DisklabelInfo) SupportsLogical() bool {
	return i.Type == DisklabelMSDOS
}

// FormatConfig holds the parameters for constructing a Format.
type FormatConfig struct {
	Type   FormatType
	Exists bool

	// Size, MinSize and MaxSize are the current size and resize
	// bounds in bytes. Zero bounds mean unbounded.
	Size    uint64
	MinSize uint64
	MaxSize uint64

	// Label is the filesystem label, if any.
	Label string

	// UUID is the filesystem/signature UUID, if any.
	UUID string

	// Disklabel must be set for disklabel formats.
	Disklabel *DisklabelInfo

	// Backend overrides registry lookup when non-nil.
	Backend FormatBackend

	// Registry used to resolve the backend. Defaults to
	// DefaultRegistry.
	Registry *Registry
}

// Format models the data occupying a device: a filesystem, a RAID
// member or LVM PV signature, an encryption header, or the raw
// sentinel for an unformatted device. Exactly one format exists per
// device at any time; replacement goes through the action machinery.
type Format struct {
	id        string
	ftype     FormatType
	exists    bool
	size      uint64
	minSize   uint64
	maxSize   uint64
	label     string
	uuid      string
	disklabel *DisklabelInfo
	device    string
	backend   FormatBackend
}

// NewFormat constructs a Format from cfg, resolving its backend once.
func NewFormat(cfg FormatConfig) (*Format, error) {
	if cfg.Type == "" {
		return nil, errors.NotValidf("format with empty type")
	}
	if cfg.Type == FormatDisklabel && cfg.Disklabel == nil {
		cfg.Disklabel = &DisklabelInfo{Type: DisklabelGPT}
	}
	if cfg.MaxSize != 0 && cfg.MinSize > cfg.MaxSize {
		return nil, errors.NotValidf(
			"format size bounds %d > %d", cfg.MinSize, cfg.MaxSize,
		)
	}
	backend := cfg.Backend
	if backend == nil {
		registry := cfg.Registry
		if registry == nil {
			registry = DefaultRegistry
		}
		backend = registry.FormatBackend(cfg.Type)
	}
	return &Format{
		id:        uuid.New().String(),
		ftype:     cfg.Type,
		exists:    cfg.Exists,
		size:      cfg.Size,
		minSize:   cfg.MinSize,
		maxSize:   cfg.MaxSize,
		label:     cfg.Label,
		uuid:      cfg.UUID,
		disklabel: cfg.Disklabel,
		backend:   backend,
	}, nil
}

// NewRawFormat returns the sentinel format held by unformatted
// devices. It is trivially destroyable and never committed.
func NewRawFormat() *Format {
	return &Format{
		id:      uuid.New().String(),
		ftype:   FormatNone,
		backend: noopFormatBackend{},
	}
}

// ID returns the format's unique id.
func (f *Format) ID() string { return f.id }

// Type returns the format type tag.
func (f *Format) Type() FormatType { return f.ftype }

// IsRaw reports whether this is the unformatted sentinel.
func (f *Format) IsRaw() bool { return f.ftype == FormatNone }

// Exists reports whether the format is present on physical media.
func (f *Format) Exists() bool { return f.exists }

// Size returns the format's current (or pending target) size in
// bytes.
func (f *Format) Size() uint64 { return f.size }

// MinSize returns the lower resize bound in bytes, zero meaning
// unbounded.
func (f *Format) MinSize() uint64 { return f.minSize }

// MaxSize returns the upper resize bound in bytes, zero meaning
// unbounded.
func (f *Format) MaxSize() uint64 { return f.maxSize }

// Label returns the filesystem label, if any.
func (f *Format) Label() string { return f.label }

// UUID returns the filesystem/signature UUID, if any.
func (f *Format) UUID() string { return f.uuid }

// Disklabel returns the partition-table payload for disklabel
// formats, nil otherwise.
func (f *Format) Disklabel() *DisklabelInfo { return f.disklabel }

// DeviceID returns the id of the owning device. The relation is a
// back-reference only; the tree owns the device.
func (f *Format) DeviceID() string { return f.device }

// Backend returns the capability table resolved at construction.
func (f *Format) Backend() FormatBackend { return f.backend }

// SetExists flips the existence flag; commit-time bookkeeping only.
func (f *Format) SetExists(exists bool) { f.exists = exists }

// SetSize records a new size; not a physical resize.
func (f *Format) SetSize(size uint64) { f.size = size }
