// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package device

import "sync"

// Backend is the execution capability table of a device kind. The
// scheduling core never performs system effects itself; at commit
// time it invokes these methods, which are expected to run the
// appropriate storage utilities and return classified errors rather
// than panicking. A backend must tolerate being called for any device
// of the kind it was registered for.
type Backend interface {
	// Create brings the device into existence on physical media.
	// members holds the resolved parent devices, in parent-link
	// order; container kinds (arrays, volume groups) need their
	// nodes on the command line.
	Create(d *Device, members []*Device) error

	// Destroy removes the device from physical media.
	Destroy(d *Device) error

	// Resize changes the device to newSize bytes.
	Resize(d *Device, newSize uint64) error

	// Setup activates the device (e.g. assembles an array, opens a
	// LUKS mapping). Activation is invoked implicitly where it is a
	// precondition of a format operation.
	Setup(d *Device) error

	// Teardown deactivates the device.
	Teardown(d *Device) error
}

// FormatBackend is the execution capability table of a format type.
type FormatBackend interface {
	// Create writes the format onto d.
	Create(d *Device, f *Format) error

	// Destroy removes the format from d.
	Destroy(d *Device, f *Format) error

	// Resize changes the format on d to newSize bytes.
	Resize(d *Device, f *Format, newSize uint64) error
}

// MemberBackend is implemented by container backends that support
// online membership changes (vgextend/vgreduce and the like).
type MemberBackend interface {
	AddMember(container, member *Device) error
	RemoveMember(container, member *Device) error
}

// Registry maps device kinds and format types to their backends.
// Backends are resolved once, at construction time, so replacing a
// registration does not affect already-constructed devices.
type Registry struct {
	mu       sync.Mutex
	backends map[Kind]Backend
	formats  map[FormatType]FormatBackend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Kind]Backend),
		formats:  make(map[FormatType]FormatBackend),
	}
}

// DefaultRegistry is consulted by constructors when no explicit
// registry or backend is supplied. With nothing registered, devices
// get no-op backends, which keeps pure modelling ("what-if"
// exploration) free of system effects.
var DefaultRegistry = NewRegistry()

// RegisterBackend installs b as the backend for kind, replacing any
// previous registration.
func (r *Registry) RegisterBackend(kind Kind, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = b
}

// RegisterFormatBackend installs b as the backend for ftype.
func (r *Registry) RegisterFormatBackend(ftype FormatType, b FormatBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[ftype] = b
}

// Backend returns the backend registered for kind, or a no-op
// backend if none is registered.
func (r *Registry) Backend(kind Kind) Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[kind]; ok {
		return b
	}
	return noopBackend{}
}

// FormatBackend returns the backend registered for ftype, or a no-op
// backend if none is registered.
func (r *Registry) FormatBackend(ftype FormatType) FormatBackend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.formats[ftype]; ok {
		return b
	}
	return noopFormatBackend{}
}

type noopBackend struct{}

func (noopBackend) Create(*Device, []*Device) error { return nil }
func (noopBackend) Destroy(*Device) error           { return nil }
func (noopBackend) Resize(*Device, uint64) error    { return nil }
func (noopBackend) Setup(*Device) error             { return nil }
func (noopBackend) Teardown(*Device) error          { return nil }

type noopFormatBackend struct{}

func (noopFormatBackend) Create(*Device, *Format) error         { return nil }
func (noopFormatBackend) Destroy(*Device, *Format) error        { return nil }
func (noopFormatBackend) Resize(*Device, *Format, uint64) error { return nil }
