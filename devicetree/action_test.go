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

type actionSuite struct {
	baseSuite
}

var _ = gc.Suite(&actionSuite{})

func (s *actionSuite) TestCreateDevice(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, false)
	a, err := devicetree.NewCreateDeviceAction(part)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.Kind(), gc.Equals, devicetree.ActionCreateDevice)
	c.Assert(a.Device(), gc.Equals, part)
	c.Assert(a.Sequence(), gc.Equals, 0)
}

func (s *actionSuite) TestCreateDeviceExisting(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	_, err := devicetree.NewCreateDeviceAction(disk)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `create of existing device "sda" not valid`)
}

func (s *actionSuite) TestCreateDeviceNil(c *gc.C) {
	_, err := devicetree.NewCreateDeviceAction(nil)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestDestroyDevice(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	a, err := devicetree.NewDestroyDeviceAction(disk)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.Kind(), gc.Equals, devicetree.ActionDestroyDevice)
}

func (s *actionSuite) TestDestroyProtectedDevice(c *gc.C) {
	d := s.newDevice(c, device.Config{
		Name:      "sda",
		Kind:      device.KindDisk,
		Size:      10 * gib,
		Exists:    true,
		Protected: true,
	})
	_, err := devicetree.NewDestroyDeviceAction(d)
	c.Assert(err, jc.Satisfies, devicetree.IsProtectedDeviceError)
	c.Assert(err, gc.ErrorMatches, `device "sda" is protected`)
}

func (s *actionSuite) TestResizeDevice(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	a, err := devicetree.NewResizeDeviceAction(part, 2*gib)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.NewSize(), gc.Equals, uint64(2*gib))
}

func (s *actionSuite) TestResizePlannedDevice(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, false)
	_, err := devicetree.NewResizeDeviceAction(part, 2*gib)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestResizeUnresizableDevice(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	_, err := devicetree.NewResizeDeviceAction(disk, 2*gib)
	c.Assert(err, jc.Satisfies, errors.IsNotSupported)
}

func (s *actionSuite) TestResizeDeviceToZero(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	_, err := devicetree.NewResizeDeviceAction(part, 0)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestCreateFormat(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	f, err := device.NewFormat(device.FormatConfig{Type: device.FormatExt4})
	c.Assert(err, jc.ErrorIsNil)
	a, err := devicetree.NewCreateFormatAction(part, f)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.Format(), gc.Equals, f)
}

func (s *actionSuite) TestCreateFormatRaw(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	_, err := devicetree.NewCreateFormatAction(part, device.NewRawFormat())
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestCreateFormatOverExisting(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	fs, err := device.NewFormat(device.FormatConfig{Type: device.FormatExt4, Exists: true})
	c.Assert(err, jc.ErrorIsNil)
	part := s.newDevice(c, device.Config{
		Name:    "sda1",
		Kind:    device.KindPartition,
		Size:    gib,
		Exists:  true,
		Parents: []*device.Device{disk},
		Format:  fs,
	})
	f, err := device.NewFormat(device.FormatConfig{Type: device.FormatXFS})
	c.Assert(err, jc.ErrorIsNil)
	_, err = devicetree.NewCreateFormatAction(part, f)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `device "sda1" already formatted as ext4 not valid`)
}

func (s *actionSuite) TestDestroyFormatAbsent(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	_, err := devicetree.NewDestroyFormatAction(part)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestResizeFormatBounds(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	fs, err := device.NewFormat(device.FormatConfig{
		Type:    device.FormatExt4,
		Exists:  true,
		Size:    2 * gib,
		MinSize: gib,
		MaxSize: 4 * gib,
	})
	c.Assert(err, jc.ErrorIsNil)
	part := s.newDevice(c, device.Config{
		Name:    "sda1",
		Kind:    device.KindPartition,
		Size:    2 * gib,
		Exists:  true,
		Parents: []*device.Device{disk},
		Format:  fs,
	})

	_, err = devicetree.NewResizeFormatAction(part, 3*gib)
	c.Assert(err, jc.ErrorIsNil)

	_, err = devicetree.NewResizeFormatAction(part, gib/2)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	_, err = devicetree.NewResizeFormatAction(part, 8*gib)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestAddMemberNonContainer(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	other := s.newDisk(c, "sdb", 10*gib)
	_, err := devicetree.NewAddMemberAction(disk, other)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *actionSuite) TestAddMemberAlreadyPresent(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	vg := s.newDevice(c, device.Config{
		Name:    "vg0",
		Kind:    device.KindLVMVG,
		Size:    gib,
		Exists:  true,
		Parents: []*device.Device{part},
	})
	_, err := devicetree.NewAddMemberAction(vg, part)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
}

func (s *actionSuite) TestRemoveMemberLast(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	vg := s.newDevice(c, device.Config{
		Name:    "vg0",
		Kind:    device.KindLVMVG,
		Size:    gib,
		Exists:  true,
		Parents: []*device.Device{part},
	})
	_, err := devicetree.NewRemoveMemberAction(vg, part)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `removing last member "sda1" of "vg0" not valid`)
}

func (s *actionSuite) TestRemoveMemberNotPresent(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, true)
	other := s.newPartition(c, "sda2", disk, true)
	vg := s.newDevice(c, device.Config{
		Name:    "vg0",
		Kind:    device.KindLVMVG,
		Size:    gib,
		Exists:  true,
		Parents: []*device.Device{part},
	})
	_, err := devicetree.NewRemoveMemberAction(vg, other)
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *actionSuite) TestString(c *gc.C) {
	disk := s.newDisk(c, "sda", 10*gib)
	part := s.newPartition(c, "sda1", disk, false)
	a, err := devicetree.NewCreateDeviceAction(part)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.String(), gc.Equals, "[0] create device sda1")

	existing := s.newPartition(c, "sda2", disk, true)
	resize, err := devicetree.NewResizeDeviceAction(existing, 2*gib)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resize.String(), gc.Equals, "[0] resize device sda2 to 2.0 GiB")
}
