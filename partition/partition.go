// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package partition assigns concrete, aligned sector ranges on one
// or more disks to a set of partition requests, and schedules the
// creation of the resulting partitions. Allocation is all-or-nothing:
// either every request is satisfiable or the tree is left untouched.
package partition

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/devicetree"
)

var logger = loggo.GetLogger("blockplan.partition")

// notEnoughFreeSpaceError reports an unsatisfiable allocation. No
// partial layout ever reaches the tree alongside it.
type notEnoughFreeSpaceError struct {
	detail string
}

func (e *notEnoughFreeSpaceError) Error() string {
	return "not enough free space: " + e.detail
}

// NewNotEnoughFreeSpaceError returns an error satisfying
// IsNotEnoughFreeSpaceError.
func NewNotEnoughFreeSpaceError(format string, args ...interface{}) error {
	return &notEnoughFreeSpaceError{fmt.Sprintf(format, args...)}
}

// IsNotEnoughFreeSpaceError reports whether err indicates an
// unsatisfiable space request.
func IsNotEnoughFreeSpaceError(err error) bool {
	_, ok := errors.Cause(err).(*notEnoughFreeSpaceError)
	return ok
}

// Request describes one wanted partition. Sizes are in bytes; the
// allocator converts to the target disk's sectors.
type Request struct {
	// Name is used in diagnostics only; the created partition is
	// named after its disk and slot number.
	Name string

	// MinSize is the smallest acceptable size.
	MinSize uint64

	// MaxSize bounds growth; zero means unbounded.
	MaxSize uint64

	// Grow marks the request as wanting leftover space.
	Grow bool

	// PartType defaults to primary.
	PartType device.PartitionType

	// Disks is the set of disks the request may be placed on.
	Disks []*device.Device
}

// Placement is a concrete assignment of a request to a sector range.
// A Placement with a nil Request is an extended partition synthesized
// to hold logical placements.
type Placement struct {
	Request *Request
	Disk    *device.Device
	Start   uint64
	End     uint64
	Type    device.PartitionType
}

// Sectors returns the placement's length in sectors.
func (p *Placement) Sectors() uint64 {
	return p.End - p.Start + 1
}

// Region is an unoccupied, aligned sector range on a disk.
type Region struct {
	Start uint64
	End   uint64
}

// Sectors returns the region's length in sectors.
func (r Region) Sectors() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// FreeRegions returns the aligned free regions on disk, taking both
// existing and pending partitions into account. One alignment grain
// is reserved at each end of the disk for the label.
func FreeRegions(tree *devicetree.Tree, disk *device.Device) []Region {
	geom := disk.Geometry()
	if geom == nil {
		geom = device.DefaultGeometry()
	}
	var spans []Region
	for _, c := range tree.Children(disk) {
		if c.Kind() != device.KindPartition || c.Region() == nil {
			continue
		}
		spans = append(spans, Region{c.Region().Start, c.Region().End})
	}
	totalSectors := disk.Size() / geom.SectorSize
	if totalSectors < 3*geom.OptimalAlignment {
		return nil
	}
	usable := Region{
		Start: geom.OptimalAlignment,
		End:   alignDown(totalSectors-geom.OptimalAlignment, geom.OptimalAlignment) - 1,
	}
	return gapsIn(usable, spans, geom.OptimalAlignment)
}

// gapsIn subtracts the occupied spans from the usable region and
// aligns what remains.
func gapsIn(usable Region, spans []Region, grain uint64) []Region {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	var gaps []Region
	cursor := usable.Start
	for _, s := range spans {
		if s.Start > cursor {
			gaps = append(gaps, Region{cursor, s.Start - 1})
		}
		if s.End+1 > cursor {
			cursor = s.End + 1
		}
	}
	if cursor <= usable.End {
		gaps = append(gaps, Region{cursor, usable.End})
	}
	var aligned []Region
	for _, g := range gaps {
		start := alignUp(g.Start, grain)
		end := alignDown(g.End+1, grain) - 1
		if end > start {
			aligned = append(aligned, Region{start, end})
		}
	}
	return aligned
}

// allocRegion is a free region being consumed by the allocator.
type allocRegion struct {
	state      *diskState
	start, end uint64
	cursor     uint64
	placements []*Placement
	// interior marks the inside of an extended partition, where only
	// logical placements may land.
	interior bool
}

func (r *allocRegion) capacity() uint64 {
	if r.end < r.cursor {
		return 0
	}
	return r.end - r.cursor + 1
}

// diskState tracks one disk's free regions and disklabel slot
// bookkeeping during an allocation attempt.
type diskState struct {
	disk      *device.Device
	geom      *device.Geometry
	label     *device.DisklabelInfo
	regions   []*allocRegion
	primaries int
	logicals  int
	extended  *allocRegion
}

// Allocate computes placements for all requests or fails without
// touching the tree. Requests are placed largest-minimum first, each
// into the smallest usable region (best-fit); afterwards growable
// requests share each region's leftover space in proportion to their
// minimum sizes, bounded by their maxima.
func Allocate(tree *devicetree.Tree, requests []*Request) ([]*Placement, error) {
	states := make(map[string]*diskState)
	stateFor := func(disk *device.Device) (*diskState, error) {
		if s, ok := states[disk.ID()]; ok {
			return s, nil
		}
		s, err := newDiskState(tree, disk)
		if err != nil {
			return nil, errors.Trace(err)
		}
		states[disk.ID()] = s
		return s, nil
	}

	ordered := make([]*Request, len(requests))
	copy(ordered, requests)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MinSize > ordered[j].MinSize
	})

	var placements []*Placement
	for _, req := range ordered {
		if err := validateRequest(req); err != nil {
			return nil, errors.Trace(err)
		}
		var candidates []*allocRegion
		for _, disk := range req.Disks {
			s, err := stateFor(disk)
			if err != nil {
				return nil, errors.Trace(err)
			}
			candidates = append(candidates, s.usableRegions(req)...)
		}
		best := bestFit(candidates)
		if best == nil {
			return nil, NewNotEnoughFreeSpaceError(
				"no region of %s available for %q",
				humanize.IBytes(req.MinSize), req.Name,
			)
		}
		extra, err := best.state.place(best, req)
		if err != nil {
			return nil, errors.Trace(err)
		}
		placements = append(placements, extra...)
	}

	for _, s := range states {
		s.growPlacements()
	}
	// Placements keep allocation order, which puts each synthesized
	// extended partition ahead of its logicals.
	return placements, nil
}

func validateRequest(req *Request) error {
	if req.MinSize == 0 {
		return errors.NotValidf("partition request %q with zero size", req.Name)
	}
	if req.MaxSize != 0 && req.MaxSize < req.MinSize {
		return errors.NotValidf(
			"partition request %q with maximum below minimum", req.Name,
		)
	}
	if len(req.Disks) == 0 {
		return errors.NotValidf("partition request %q with no disks", req.Name)
	}
	return nil
}

func newDiskState(tree *devicetree.Tree, disk *device.Device) (*diskState, error) {
	format := disk.Format()
	if format.Type() != device.FormatDisklabel || format.Disklabel() == nil {
		return nil, errors.NotValidf("disk %q without a disklabel", disk.Name())
	}
	geom := disk.Geometry()
	if geom == nil {
		geom = device.DefaultGeometry()
	}
	s := &diskState{disk: disk, geom: geom, label: format.Disklabel()}
	for _, r := range FreeRegions(tree, disk) {
		s.regions = append(s.regions, &allocRegion{
			state: s, start: r.Start, end: r.End, cursor: r.Start,
		})
	}
	for _, c := range tree.Children(disk) {
		if c.Kind() != device.KindPartition || c.Region() == nil {
			continue
		}
		switch c.Region().Type {
		case device.PartitionExtended:
			s.primaries++
			s.adoptExtended(tree, c)
		default:
			s.primaries++
		}
	}
	return s, nil
}

// adoptExtended builds the interior free region of an existing
// extended partition from its logical children.
func (s *diskState) adoptExtended(tree *devicetree.Tree, extended *device.Device) {
	var spans []Region
	for _, l := range tree.Children(extended) {
		if l.Kind() != device.KindPartition || l.Region() == nil {
			continue
		}
		spans = append(spans, Region{l.Region().Start, l.Region().End})
		s.logicals++
	}
	interior := Region{
		Start: extended.Region().Start + s.geom.OptimalAlignment,
		End:   extended.Region().End,
	}
	for _, gap := range gapsIn(interior, spans, s.geom.OptimalAlignment) {
		r := &allocRegion{
			state: s, start: gap.Start, end: gap.End, cursor: gap.Start,
			interior: true,
		}
		s.regions = append(s.regions, r)
		if s.extended == nil {
			s.extended = r
		}
	}
	if s.extended == nil {
		// Fully occupied; still record that an extended exists.
		s.extended = &allocRegion{state: s, interior: true, start: 1, end: 0, cursor: 1}
	}
}

// usableRegions returns the regions a request may be placed in,
// honouring slot limits and the primary/logical split.
func (s *diskState) usableRegions(req *Request) []*allocRegion {
	need := s.minSectors(req)
	var out []*allocRegion
	for _, r := range s.regions {
		if r.capacity() < need {
			continue
		}
		switch partType(req) {
		case device.PartitionLogical:
			if !s.label.SupportsLogical() {
				continue
			}
			if r.interior {
				out = append(out, r)
				continue
			}
			// Synthesizing an extended partition in this region
			// takes a primary slot and one alignment grain of EBR
			// headroom.
			if s.extended == nil && s.primaries < s.label.MaxPrimary() &&
				r.capacity() >= need+s.geom.OptimalAlignment {
				out = append(out, r)
			}
		default:
			if r.interior {
				continue
			}
			if s.primaries < s.label.MaxPrimary() {
				out = append(out, r)
			}
		}
	}
	return out
}

// place consumes space from r for req, synthesizing an extended
// partition first when a logical request lands in a plain region.
// It returns the placements recorded, extended first.
func (s *diskState) place(r *allocRegion, req *Request) ([]*Placement, error) {
	var out []*Placement
	if partType(req) == device.PartitionLogical && !r.interior {
		// Claim the whole region for the extended partition, and
		// carve an interior region for this and later logicals.
		extended := &Placement{
			Disk:  s.disk,
			Start: r.cursor,
			End:   r.end,
			Type:  device.PartitionExtended,
		}
		r.placements = append(r.placements, extended)
		r.cursor = r.end + 1
		s.primaries++
		interior := &allocRegion{
			state:    s,
			start:    extended.Start + s.geom.OptimalAlignment,
			end:      extended.End,
			cursor:   extended.Start + s.geom.OptimalAlignment,
			interior: true,
		}
		s.regions = append(s.regions, interior)
		s.extended = interior
		out = append(out, extended)
		r = interior
	}
	need := s.minSectors(req)
	if r.capacity() < need {
		return nil, NewNotEnoughFreeSpaceError(
			"region on %q shrank below %s", s.disk.Name(), humanize.IBytes(req.MinSize),
		)
	}
	p := &Placement{
		Request: req,
		Disk:    s.disk,
		Start:   r.cursor,
		End:     r.cursor + need - 1,
		Type:    partType(req),
	}
	if p.Type == device.PartitionLogical {
		s.logicals++
	} else {
		s.primaries++
	}
	r.cursor = p.End + 1
	r.placements = append(r.placements, p)
	return append(out, p), nil
}

// growPlacements distributes each region's leftover space among the
// growable placements anchored to it, proportionally to their
// minimum sizes and bounded by their maxima, then re-lays the
// region's placements contiguously.
func (s *diskState) growPlacements() {
	for _, r := range s.regions {
		if len(r.placements) == 0 {
			continue
		}
		sizes := make([]uint64, len(r.placements))
		for i, p := range r.placements {
			sizes[i] = p.Sectors()
		}
		leftover := r.capacity()
		for leftover >= s.geom.OptimalAlignment {
			var totalWeight uint64
			growable := make([]int, 0, len(r.placements))
			for i, p := range r.placements {
				if p.Request == nil || !p.Request.Grow {
					continue
				}
				if max := s.maxSectors(p.Request); max > 0 && sizes[i] >= max {
					continue
				}
				growable = append(growable, i)
				totalWeight += s.minSectors(p.Request)
			}
			if len(growable) == 0 {
				break
			}
			var consumed uint64
			for _, i := range growable {
				p := r.placements[i]
				share := leftover * s.minSectors(p.Request) / totalWeight
				share = alignDown(share, s.geom.OptimalAlignment)
				if share == 0 {
					share = s.geom.OptimalAlignment
				}
				if max := s.maxSectors(p.Request); max > 0 && sizes[i]+share > max {
					share = max - sizes[i]
				}
				if share > leftover-consumed {
					share = leftover - consumed
				}
				sizes[i] += share
				consumed += share
			}
			if consumed == 0 {
				break
			}
			leftover -= consumed
		}
		// Re-lay the region contiguously with the final sizes. An
		// extended placement spans to the region end already and is
		// left anchored where it is.
		cursor := r.start
		for i, p := range r.placements {
			if p.Type == device.PartitionExtended {
				cursor = p.Start
				break
			}
			p.Start = cursor
			p.End = cursor + sizes[i] - 1
			cursor = p.End + 1
		}
	}
}

func (s *diskState) minSectors(req *Request) uint64 {
	return alignUp(ceilDiv(req.MinSize, s.geom.SectorSize), s.geom.OptimalAlignment)
}

func (s *diskState) maxSectors(req *Request) uint64 {
	if req.MaxSize == 0 {
		return 0
	}
	max := alignDown(req.MaxSize/s.geom.SectorSize, s.geom.OptimalAlignment)
	if min := s.minSectors(req); max < min {
		max = min
	}
	return max
}

func partType(req *Request) device.PartitionType {
	if req.PartType == "" {
		return device.PartitionPrimary
	}
	return req.PartType
}

// bestFit picks the smallest of the candidate regions, to keep
// larger regions free for larger requests. Candidates have already
// been filtered to those that can satisfy the request.
func bestFit(candidates []*allocRegion) *allocRegion {
	var best *allocRegion
	for _, r := range candidates {
		if best == nil || r.capacity() < best.capacity() {
			best = r
		}
	}
	return best
}

// DoPartitioning allocates the requests and schedules creation of
// the resulting partitions, including any implicit extended
// partition. On failure every action scheduled by this call is
// removed again; the tree is never left with a partial layout. The
// returned devices correspond to the requests, in request order.
func DoPartitioning(tree *devicetree.Tree, requests []*Request) ([]*device.Device, error) {
	placements, err := Allocate(tree, requests)
	if err != nil {
		return nil, errors.Trace(err)
	}
	byRequest := make(map[*Request]*device.Device)
	var scheduled []*devicetree.Action
	abort := func(cause error) error {
		for i := len(scheduled) - 1; i >= 0; i-- {
			if err := tree.Actions().Remove(scheduled[i]); err != nil {
				logger.Errorf("unwinding partition actions: %v", err)
			}
		}
		return cause
	}
	extendedOn := make(map[string]*device.Device)
	for _, disk := range disksOf(placements) {
		for _, c := range tree.Children(disk) {
			if c.Kind() == device.KindPartition && c.Region() != nil &&
				c.Region().Type == device.PartitionExtended {
				extendedOn[disk.ID()] = c
			}
		}
	}
	for _, p := range placements {
		parent := p.Disk
		if p.Type == device.PartitionLogical {
			extended, ok := extendedOn[p.Disk.ID()]
			if !ok {
				return nil, abort(errors.Errorf(
					"no extended partition on %q for logical placement", p.Disk.Name(),
				))
			}
			parent = extended
		}
		geom := geometryOf(p.Disk)
		part, err := device.New(device.Config{
			Name:      p.Disk.Name() + strconv.Itoa(nextSlot(tree, p)),
			Kind:      device.KindPartition,
			Size:      p.Sectors() * geom.SectorSize,
			Resizable: true,
			Parents:   []*device.Device{parent},
			Region:    &device.PartRegion{Start: p.Start, End: p.End, Type: p.Type},
		})
		if err != nil {
			return nil, abort(errors.Trace(err))
		}
		action, err := devicetree.NewCreateDeviceAction(part)
		if err != nil {
			return nil, abort(errors.Trace(err))
		}
		if _, err := tree.Actions().Add(action); err != nil {
			return nil, abort(errors.Trace(err))
		}
		scheduled = append(scheduled, action)
		if p.Type == device.PartitionExtended {
			extendedOn[p.Disk.ID()] = part
		}
		if p.Request != nil {
			byRequest[p.Request] = part
		}
	}
	devices := make([]*device.Device, len(requests))
	for i, req := range requests {
		devices[i] = byRequest[req]
	}
	return devices, nil
}

// nextSlot picks the partition number for a new placement: logical
// partitions start at 5 by msdos convention, everything else after
// the highest occupied primary slot.
func nextSlot(tree *devicetree.Tree, p *Placement) int {
	var primaries, logicals int
	for _, c := range tree.Children(p.Disk) {
		if c.Kind() != device.KindPartition || c.Region() == nil {
			continue
		}
		primaries++
		if c.Region().Type == device.PartitionExtended {
			for _, l := range tree.Children(c) {
				if l.Kind() == device.KindPartition {
					logicals++
				}
			}
		}
	}
	if p.Type == device.PartitionLogical {
		return 5 + logicals
	}
	return 1 + primaries
}

func disksOf(placements []*Placement) []*device.Device {
	seen := make(map[string]bool)
	var out []*device.Device
	for _, p := range placements {
		if !seen[p.Disk.ID()] {
			seen[p.Disk.ID()] = true
			out = append(out, p.Disk)
		}
	}
	return out
}

func geometryOf(disk *device.Device) *device.Geometry {
	if g := disk.Geometry(); g != nil {
		return g
	}
	return device.DefaultGeometry()
}

func alignUp(v, grain uint64) uint64 {
	return (v + grain - 1) / grain * grain
}

func alignDown(v, grain uint64) uint64 {
	return v / grain * grain
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
