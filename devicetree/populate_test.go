// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/devicetree"
)

// sliceSource yields a fixed device list, building fresh objects on
// every call the way a real discovery scan would.
type sliceSource struct {
	devices func() ([]*device.Device, error)
}

func (s *sliceSource) Devices() ([]*device.Device, error) {
	return s.devices()
}

type populateSuite struct {
	baseSuite
}

var _ = gc.Suite(&populateSuite{})

// scan builds a fresh two-disk, one-partition system view.
func (s *populateSuite) scan(c *gc.C) []*device.Device {
	sda := s.newDisk(c, "sda", 100*gib)
	sdb := s.newDisk(c, "sdb", 50*gib)
	sda1 := s.newPartition(c, "sda1", sda, true)
	return []*device.Device{sda, sdb, sda1}
}

func (s *populateSuite) TestPopulate(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	c.Assert(t.Devices(), gc.HasLen, 3)
	part, err := t.DeviceByName("sda1")
	c.Assert(err, jc.ErrorIsNil)
	disk, err := t.DeviceByName("sda")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(part.HasParent(disk.ID()), jc.IsTrue)
}

func (s *populateSuite) TestPopulateIdempotent(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	before := t.Devices()
	ids := make(map[string]string)
	for _, d := range before {
		ids[d.Name()] = d.ID()
	}

	// Re-running against an unchanged system keeps counts, identities
	// and relations stable even though the scan built new objects.
	c.Assert(t.Populate(src), jc.ErrorIsNil)
	after := t.Devices()
	c.Assert(after, gc.HasLen, len(before))
	for _, d := range after {
		c.Assert(d.ID(), gc.Equals, ids[d.Name()])
	}
	part, err := t.DeviceByName("sda1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(part.HasParent(ids["sda"]), jc.IsTrue)
}

func (s *populateSuite) TestPopulateRefreshesAttributes(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	grown := &sliceSource{func() ([]*device.Device, error) {
		devices := s.scan(c)
		devices[0].SetSize(200 * gib)
		devices[0].SetPath("/dev/sda")
		return devices, nil
	}}
	c.Assert(t.Populate(grown), jc.ErrorIsNil)

	disk, err := t.DeviceByName("sda")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(disk.Size(), gc.Equals, uint64(200*gib))
	c.Assert(disk.Path(), gc.Equals, "/dev/sda")
}

func (s *populateSuite) TestPopulateDropsVanished(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	// sdb was pulled from the machine.
	gone := &sliceSource{func() ([]*device.Device, error) {
		all := s.scan(c)
		return []*device.Device{all[0], all[2]}, nil
	}}
	c.Assert(t.Populate(gone), jc.ErrorIsNil)
	c.Assert(t.Devices(), gc.HasLen, 2)
	_, err := t.DeviceByName("sdb")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *populateSuite) TestPopulateKeepsPlannedDevices(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	disk, err := t.DeviceByName("sda")
	c.Assert(err, jc.ErrorIsNil)
	planned := s.newPartition(c, "sda2", disk, false)
	a, err := devicetree.NewCreateDeviceAction(planned)
	c.Assert(err, jc.ErrorIsNil)
	_, err = t.Actions().Add(a)
	c.Assert(err, jc.ErrorIsNil)

	// The planned partition is not on the system, but it is not
	// dropped: it is the model's own intent.
	c.Assert(t.Populate(src), jc.ErrorIsNil)
	got, err := t.DeviceByName("sda2")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.Equals, planned)
	c.Assert(got.Exists(), jc.IsFalse)
}

func (s *populateSuite) TestPopulateKindChangeRejected(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) { return s.scan(c), nil }}
	c.Assert(t.Populate(src), jc.ErrorIsNil)

	mutated := &sliceSource{func() ([]*device.Device, error) {
		d, err := device.New(device.Config{
			Name:   "sda",
			Kind:   device.KindPartition,
			Size:   gib,
			Exists: true,
		})
		if err != nil {
			return nil, err
		}
		return []*device.Device{d}, nil
	}}
	err := t.Populate(mutated)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *populateSuite) TestPopulateSourceError(c *gc.C) {
	t := devicetree.New()
	src := &sliceSource{func() ([]*device.Device, error) {
		return nil, errors.New("scan failed")
	}}
	err := t.Populate(src)
	c.Assert(err, gc.ErrorMatches, "discovering devices: scan failed")
}
