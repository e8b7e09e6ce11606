// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package factory turns a declarative request (size, device kind,
// disk set, optional container, RAID level or encryption) into a
// concrete, fully linked sub-graph of pending devices, scheduling
// the actions needed to realize it. A factory run is atomic: either
// all required actions are scheduled or none are.
package factory

import (
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/devicetree"
	"github.com/juju/blockplan/partition"
)

var logger = loggo.GetLogger("blockplan.factory")

const (
	// lvmMetadataSize is the space reserved per PV for LVM metadata.
	lvmMetadataSize = 4 * 1024 * 1024

	// mdMetadataSize is the per-member mdraid superblock reserve.
	mdMetadataSize = 4 * 1024 * 1024

	// luksHeaderSize is the LUKS2 header reserve on an encrypted
	// device.
	luksHeaderSize = 16 * 1024 * 1024
)

// raidMinMembers maps each supported level to the smallest member
// count mdadm accepts for it.
var raidMinMembers = map[string]int{
	"linear": 2,
	"raid0":  2,
	"raid1":  2,
	"raid5":  3,
	"raid6":  4,
	"raid10": 4,
}

// ContainerSpec names or identifies the container (volume group) a
// request should live in.
type ContainerSpec struct {
	Name   string
	Device *device.Device
}

// Spec is a declarative device request.
type Spec struct {
	// Name of the leaf device to produce.
	Name string

	// Size of the leaf device in bytes.
	Size uint64

	// Kind of the leaf device: KindPartition, KindLVMLV or
	// KindMDArray.
	Kind device.Kind

	// Disks the request may draw space from.
	Disks []*device.Device

	// RaidLevel for KindMDArray requests.
	RaidLevel string

	// Encrypted inserts a LUKS layer between the backing device and
	// the payload filesystem.
	Encrypted bool

	// FormatType is the payload filesystem, empty for none.
	FormatType device.FormatType

	// Container scopes KindLVMLV requests to a volume group.
	Container ContainerSpec

	// Device, when non-nil, is an existing (or pending) device to
	// reconfigure. Unset spec fields default to the device's current
	// configuration, and only the actions needed to reach the new
	// target state are emitted.
	Device *device.Device
}

// prunedPlan records a pending device whose planned creation a
// reconfiguration displaced, so a failed run can put the plan back.
type prunedPlan struct {
	device *device.Device
	format *device.Format
}

// Configure realizes spec against the tree, returning the leaf
// device. Zero or more actions are appended to the tree's action
// list as a side effect; on error every action this call scheduled
// is removed again and any plan the run displaced is rescheduled,
// leaving the tree exactly as it was.
func Configure(tree *devicetree.Tree, spec Spec) (*device.Device, error) {
	spec = withDeviceDefaults(tree, spec)
	if err := validate(spec); err != nil {
		return nil, errors.Trace(err)
	}
	before := make(map[*devicetree.Action]bool)
	for _, a := range tree.Actions().Pending() {
		before[a] = true
	}
	var displaced []prunedPlan
	leaf, err := configure(tree, spec, &displaced)
	if err != nil {
		// Unwind in reverse sorted order, which removes child
		// creations before the parents they depend on.
		pending := tree.Actions().Pending()
		for i := len(pending) - 1; i >= 0; i-- {
			if before[pending[i]] {
				continue
			}
			if rerr := tree.Actions().Remove(pending[i]); rerr != nil {
				logger.Errorf("unwinding factory actions: %v", rerr)
			}
		}
		// With the run's own actions gone, the displaced plans can be
		// rescheduled under their original names.
		for _, p := range displaced {
			restorePlan(tree, p)
		}
		return nil, errors.Trace(err)
	}
	return leaf, nil
}

// withDeviceDefaults fills unset spec fields from the device under
// reconfiguration, so a caller states only what should change.
func withDeviceDefaults(tree *devicetree.Tree, spec Spec) Spec {
	d := spec.Device
	if d == nil {
		return spec
	}
	if spec.Name == "" {
		spec.Name = d.Name()
	}
	if spec.Size == 0 {
		spec.Size = d.Size()
	}
	if spec.Kind == "" {
		spec.Kind = d.Kind()
	}
	if spec.RaidLevel == "" {
		spec.RaidLevel = d.RaidLevel()
	}
	if spec.FormatType == "" {
		if f := d.Format(); !f.IsRaw() && f.Type() != device.FormatLUKS {
			spec.FormatType = f.Type()
		}
	}
	if d.Format().Type() == device.FormatLUKS {
		spec.Encrypted = true
	}
	if len(spec.Disks) == 0 && spec.Kind == device.KindPartition {
		for _, p := range tree.Parents(d) {
			if p.Kind() == device.KindDisk {
				spec.Disks = append(spec.Disks, p)
			}
		}
	}
	return spec
}

// restorePlan reschedules the creation of a device whose plan a
// failed reconfiguration pruned. Restoration failures are logged
// rather than returned: the caller is already propagating the error
// that triggered the unwind.
func restorePlan(tree *devicetree.Tree, p prunedPlan) {
	if err := scheduleCreate(tree, p.device); err != nil {
		logger.Errorf("restoring plan for %q: %v", p.device.Name(), err)
		return
	}
	f := p.format
	if f == nil || f.IsRaw() || f.Exists() {
		return
	}
	a, err := devicetree.NewCreateFormatAction(p.device, f)
	if err == nil {
		_, err = tree.Actions().Add(a)
	}
	if err != nil {
		logger.Errorf("restoring format plan for %q: %v", p.device.Name(), err)
	}
}

func validate(spec Spec) error {
	if spec.Name == "" && spec.Device == nil {
		return errors.NotValidf("device request without a name")
	}
	if spec.Size == 0 {
		return errors.NotValidf("device request %q with zero size", spec.Name)
	}
	switch spec.Kind {
	case device.KindPartition, device.KindLVMLV:
	case device.KindMDArray:
		min, ok := raidMinMembers[spec.RaidLevel]
		if !ok {
			return errors.NotSupportedf("raid level %q", spec.RaidLevel)
		}
		if len(spec.Disks) < min {
			return errors.NotValidf(
				"raid level %s with %d member disks (minimum %d)",
				spec.RaidLevel, len(spec.Disks), min,
			)
		}
	default:
		return errors.NotSupportedf("device requests of kind %q", spec.Kind)
	}
	return nil
}

func configure(tree *devicetree.Tree, spec Spec, displaced *[]prunedPlan) (*device.Device, error) {
	switch spec.Kind {
	case device.KindPartition:
		return configurePartition(tree, spec, displaced)
	case device.KindLVMLV:
		return configureLV(tree, spec, displaced)
	case device.KindMDArray:
		return configureMD(tree, spec)
	}
	return nil, errors.NotSupportedf("device requests of kind %q", spec.Kind)
}

// unchanged reports whether d already matches the requested size and
// payload format, in which case reconfiguration is a no-op.
func unchanged(d *device.Device, spec Spec) bool {
	if d.Size() != spec.Size {
		return false
	}
	if spec.FormatType == "" {
		return true
	}
	return d.Format().Type() == spec.FormatType
}

func configurePartition(tree *devicetree.Tree, spec Spec, displaced *[]prunedPlan) (*device.Device, error) {
	if existing := spec.Device; existing != nil {
		if existing.Kind() != device.KindPartition {
			return nil, errors.NotValidf(
				"reconfiguring %s %q as a partition", existing.Kind(), existing.Name(),
			)
		}
		if unchanged(existing, spec) {
			return existing, nil
		}
		if existing.Exists() {
			// Diff against the current configuration: an on-disk
			// partition is resized in place rather than recreated.
			return existing, resizeInPlace(tree, existing, spec.Size)
		}
		// A planned partition is simply re-planned: destroying it
		// prunes its pending creation and releases its region. The
		// displaced plan is recorded first so a failed run can put it
		// back.
		*displaced = append(*displaced, prunedPlan{existing, existing.Format()})
		destroy, err := devicetree.NewDestroyDeviceAction(existing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := tree.Actions().Add(destroy); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := checkFreeSpace(tree, spec.Disks, spec.Size); err != nil {
		return nil, errors.Trace(err)
	}
	parts, err := partition.DoPartitioning(tree, []*partition.Request{{
		Name:    spec.Name,
		MinSize: spec.Size,
		MaxSize: spec.Size,
		Disks:   spec.Disks,
	}})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return finishLeaf(tree, parts[0], spec)
}

func configureLV(tree *devicetree.Tree, spec Spec, displaced *[]prunedPlan) (*device.Device, error) {
	if existing := spec.Device; existing != nil {
		if existing.Kind() != device.KindLVMLV {
			return nil, errors.NotValidf(
				"reconfiguring %s %q as a logical volume", existing.Kind(), existing.Name(),
			)
		}
		if unchanged(existing, spec) {
			return existing, nil
		}
		vg, err := parentVG(tree, existing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if grow := spec.Size > existing.Size(); grow {
			if err := ensureCapacity(tree, vg, spec, spec.Size-existing.Size()); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if existing.Exists() {
			return existing, resizeInPlace(tree, existing, spec.Size)
		}
		spec.Container.Device = vg
		*displaced = append(*displaced, prunedPlan{existing, existing.Format()})
		destroy, err := devicetree.NewDestroyDeviceAction(existing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := tree.Actions().Add(destroy); err != nil {
			return nil, errors.Trace(err)
		}
	}
	vg, err := ensureVG(tree, spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lv, err := device.New(device.Config{
		Name:      spec.Name,
		Kind:      device.KindLVMLV,
		Size:      spec.Size,
		Resizable: true,
		Parents:   []*device.Device{vg},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := scheduleCreate(tree, lv); err != nil {
		return nil, errors.Trace(err)
	}
	return finishLeaf(tree, lv, spec)
}

func configureMD(tree *devicetree.Tree, spec Spec) (*device.Device, error) {
	if existing := spec.Device; existing != nil {
		if existing.Kind() != device.KindMDArray {
			return nil, errors.NotValidf(
				"reconfiguring %s %q as an array", existing.Kind(), existing.Name(),
			)
		}
		if unchanged(existing, spec) {
			return existing, nil
		}
		return nil, errors.NotSupportedf("reshaping array %q", existing.Name())
	}
	memberSize := memberSizeFor(spec.RaidLevel, spec.Size, len(spec.Disks)) + mdMetadataSize
	requests := make([]*partition.Request, len(spec.Disks))
	for i, disk := range spec.Disks {
		requests[i] = &partition.Request{
			Name:    spec.Name,
			MinSize: memberSize,
			MaxSize: memberSize,
			Disks:   []*device.Device{disk},
		}
	}
	members, err := partition.DoPartitioning(tree, requests)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, member := range members {
		if err := scheduleFormat(tree, member, device.FormatMDMember, 0); err != nil {
			return nil, errors.Trace(err)
		}
	}
	array, err := device.New(device.Config{
		Name:      spec.Name,
		Kind:      device.KindMDArray,
		Size:      spec.Size,
		Parents:   members,
		RaidLevel: spec.RaidLevel,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := scheduleCreate(tree, array); err != nil {
		return nil, errors.Trace(err)
	}
	return finishLeaf(tree, array, spec)
}

// memberSizeFor returns the usable bytes each of n members must
// contribute for the array to reach total.
func memberSizeFor(level string, total uint64, n int) uint64 {
	switch level {
	case "raid1":
		return total
	case "raid5":
		return ceilDiv(total, uint64(n-1))
	case "raid6":
		return ceilDiv(total, uint64(n-2))
	case "raid10":
		return ceilDiv(2*total, uint64(n))
	default: // raid0, linear
		return ceilDiv(total, uint64(n))
	}
}

// finishLeaf layers encryption and the payload filesystem onto the
// freshly scheduled backing device, returning the leaf the caller
// will use.
func finishLeaf(tree *devicetree.Tree, backing *device.Device, spec Spec) (*device.Device, error) {
	payload := backing
	if spec.Encrypted {
		luks, err := encrypt(tree, backing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		payload = luks
	}
	if spec.FormatType != "" && spec.FormatType != device.FormatNone {
		if err := scheduleFormat(tree, payload, spec.FormatType, payload.Size()); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return payload, nil
}

// encrypt schedules a LUKS format on backing and the mapped device
// above it.
func encrypt(tree *devicetree.Tree, backing *device.Device) (*device.Device, error) {
	if err := scheduleFormat(tree, backing, device.FormatLUKS, 0); err != nil {
		return nil, errors.Trace(err)
	}
	if backing.Size() <= luksHeaderSize {
		return nil, partition.NewNotEnoughFreeSpaceError(
			"%q too small to hold a LUKS header", backing.Name(),
		)
	}
	luks, err := device.New(device.Config{
		Name:    "luks-" + backing.Name(),
		Kind:    device.KindLUKS,
		Size:    backing.Size() - luksHeaderSize,
		Parents: []*device.Device{backing},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := scheduleCreate(tree, luks); err != nil {
		return nil, errors.Trace(err)
	}
	return luks, nil
}

// resizeInPlace emits the resize actions for an on-disk device and,
// where one exists on disk, its format.
func resizeInPlace(tree *devicetree.Tree, d *device.Device, newSize uint64) error {
	resize, err := devicetree.NewResizeDeviceAction(d, newSize)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := tree.Actions().Add(resize); err != nil {
		return errors.Trace(err)
	}
	if f := d.Format(); !f.IsRaw() && f.Exists() {
		resizeFmt, err := devicetree.NewResizeFormatAction(d, newSize)
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := tree.Actions().Add(resizeFmt); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// parentVG returns the volume group an LV belongs to.
func parentVG(tree *devicetree.Tree, lv *device.Device) (*device.Device, error) {
	for _, p := range tree.Parents(lv) {
		if p.Kind() == device.KindLVMVG {
			return p, nil
		}
	}
	return nil, errors.NotFoundf("volume group of %q", lv.Name())
}

// ensureVG returns the volume group the spec names, creating or
// growing it out of new PV partitions when its free capacity cannot
// hold the request. This is the one level of container recursion the
// factory performs.
func ensureVG(tree *devicetree.Tree, spec Spec) (*device.Device, error) {
	vg := spec.Container.Device
	if vg == nil && spec.Container.Name != "" {
		if found, err := tree.DeviceByName(spec.Container.Name); err == nil {
			vg = found
		} else if !errors.IsNotFound(err) {
			return nil, errors.Trace(err)
		}
	}
	if vg != nil {
		if vg.Kind() != device.KindLVMVG {
			return nil, errors.NotValidf("container %q is not a volume group", vg.Name())
		}
		free := vgFree(tree, vg)
		if free < spec.Size {
			if err := ensureCapacity(tree, vg, spec, spec.Size-free); err != nil {
				return nil, errors.Trace(err)
			}
		}
		return vg, nil
	}

	name := spec.Container.Name
	if name == "" {
		name = spec.Name + "_vg"
	}
	pv, err := newPV(tree, spec, spec.Size+lvmMetadataSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	vg, err = device.New(device.Config{
		Name:    name,
		Kind:    device.KindLVMVG,
		Size:    pv.Size() - lvmMetadataSize,
		Parents: []*device.Device{pv},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := scheduleCreate(tree, vg); err != nil {
		return nil, errors.Trace(err)
	}
	return vg, nil
}

// ensureCapacity grows vg by at least shortfall bytes with a new PV
// partition.
func ensureCapacity(tree *devicetree.Tree, vg *device.Device, spec Spec, shortfall uint64) error {
	pv, err := newPV(tree, spec, shortfall+lvmMetadataSize)
	if err != nil {
		return errors.Trace(err)
	}
	add, err := devicetree.NewAddMemberAction(vg, pv)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = tree.Actions().Add(add)
	return errors.Trace(err)
}

// newPV carves a PV partition of the given size out of the spec's
// disks.
func newPV(tree *devicetree.Tree, spec Spec, size uint64) (*device.Device, error) {
	if len(spec.Disks) == 0 {
		return nil, errors.NotValidf("volume group request without disks")
	}
	if err := checkFreeSpace(tree, spec.Disks, size); err != nil {
		return nil, errors.Trace(err)
	}
	parts, err := partition.DoPartitioning(tree, []*partition.Request{{
		Name:    spec.Name + "_pv",
		MinSize: size,
		MaxSize: size,
		Disks:   spec.Disks,
	}})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := scheduleFormat(tree, parts[0], device.FormatLVMPV, 0); err != nil {
		return nil, errors.Trace(err)
	}
	return parts[0], nil
}

// vgFree returns the unallocated capacity of vg under current
// pending state: the capacity contributed by its PVs less the sizes
// of its LVs.
func vgFree(tree *devicetree.Tree, vg *device.Device) uint64 {
	var capacity uint64
	for _, pv := range tree.Parents(vg) {
		if pv.Size() > lvmMetadataSize {
			capacity += pv.Size() - lvmMetadataSize
		}
	}
	for _, lv := range tree.Children(vg) {
		if lv.Size() >= capacity {
			return 0
		}
		capacity -= lv.Size()
	}
	return capacity
}

// checkFreeSpace re-affirms the request against current pending
// state: the sum of usable free space across the disks must cover
// size.
func checkFreeSpace(tree *devicetree.Tree, disks []*device.Device, size uint64) error {
	if len(disks) == 0 {
		return errors.NotValidf("device request without disks")
	}
	var free uint64
	for _, disk := range disks {
		geom := disk.Geometry()
		if geom == nil {
			geom = device.DefaultGeometry()
		}
		for _, r := range partition.FreeRegions(tree, disk) {
			free += r.Sectors() * geom.SectorSize
		}
	}
	if free < size {
		return partition.NewNotEnoughFreeSpaceError(
			"%s requested, %s free across %d disks",
			humanize.IBytes(size), humanize.IBytes(free), len(disks),
		)
	}
	return nil
}

func scheduleCreate(tree *devicetree.Tree, d *device.Device) error {
	a, err := devicetree.NewCreateDeviceAction(d)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = tree.Actions().Add(a)
	return errors.Trace(err)
}

func scheduleFormat(tree *devicetree.Tree, d *device.Device, t device.FormatType, size uint64) error {
	f, err := device.NewFormat(device.FormatConfig{Type: t, Size: size})
	if err != nil {
		return errors.Trace(err)
	}
	a, err := devicetree.NewCreateFormatAction(d, f)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = tree.Actions().Add(a)
	return errors.Trace(err)
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
