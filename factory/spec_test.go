// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package factory_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/devicetree"
	"github.com/juju/blockplan/factory"
)

type specSuite struct {
	testing.IsolationSuite
	tree *devicetree.Tree
}

var _ = gc.Suite(&specSuite{})

func (s *specSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.tree = devicetree.New()
	d, err := device.New(device.Config{
		Name:   "sda",
		Kind:   device.KindDisk,
		Size:   20 * gib,
		Exists: true,
		Path:   "/dev/sda",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.tree.Add(d), jc.ErrorIsNil)
}

func (s *specSuite) TestParseSpec(c *gc.C) {
	spec, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":       "root",
		"size":       "10GiB",
		"kind":       "partition",
		"disks":      []interface{}{"sda"},
		"filesystem": "ext4",
		"encrypted":  true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec.Name, gc.Equals, "root")
	c.Assert(spec.Size, gc.Equals, uint64(10*gib))
	c.Assert(spec.Kind, gc.Equals, device.KindPartition)
	c.Assert(spec.FormatType, gc.Equals, device.FormatExt4)
	c.Assert(spec.Encrypted, jc.IsTrue)
	c.Assert(spec.Disks, gc.HasLen, 1)
	c.Assert(spec.Disks[0].Name(), gc.Equals, "sda")
}

func (s *specSuite) TestParseSpecDiskByPath(c *gc.C) {
	spec, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":  "root",
		"size":  "1GiB",
		"kind":  "partition",
		"disks": []interface{}{"/dev/sda"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec.Disks[0].Name(), gc.Equals, "sda")
}

func (s *specSuite) TestParseSpecContainer(c *gc.C) {
	vg, err := device.New(device.Config{
		Name:   "vg0",
		Kind:   device.KindLVMVG,
		Size:   10 * gib,
		Exists: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.tree.Add(vg), jc.ErrorIsNil)

	spec, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":      "root",
		"size":      "1GiB",
		"kind":      "lv",
		"container": "vg0",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec.Kind, gc.Equals, device.KindLVMLV)
	c.Assert(spec.Container.Name, gc.Equals, "vg0")
	c.Assert(spec.Container.Device, gc.Equals, vg)
}

func (s *specSuite) TestParseSpecUnknownContainerKeepsName(c *gc.C) {
	spec, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":      "root",
		"size":      "1GiB",
		"kind":      "lv",
		"container": "newvg",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec.Container.Name, gc.Equals, "newvg")
	c.Assert(spec.Container.Device, gc.IsNil)
}

func (s *specSuite) TestParseSpecBadSize(c *gc.C) {
	_, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name": "root",
		"size": "lots",
		"kind": "partition",
	})
	c.Assert(err, gc.ErrorMatches, `size of device spec "root": .*`)
}

func (s *specSuite) TestParseSpecBadKind(c *gc.C) {
	_, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name": "root",
		"size": "1GiB",
		"kind": "floppy",
	})
	c.Assert(err, jc.Satisfies, errors.IsNotSupported)
}

func (s *specSuite) TestParseSpecBadFilesystem(c *gc.C) {
	_, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":       "root",
		"size":       "1GiB",
		"kind":       "partition",
		"filesystem": "zfs",
	})
	c.Assert(err, jc.Satisfies, errors.IsNotSupported)
}

func (s *specSuite) TestParseSpecUnknownDisk(c *gc.C) {
	_, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name":  "root",
		"size":  "1GiB",
		"kind":  "partition",
		"disks": []interface{}{"sdz"},
	})
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, `device spec "root": device "sdz" not found`)
}

func (s *specSuite) TestParseSpecMissingFields(c *gc.C) {
	_, err := factory.ParseSpec(s.tree, map[string]interface{}{
		"name": "root",
	})
	c.Assert(err, gc.ErrorMatches, "device spec: .*")
}
