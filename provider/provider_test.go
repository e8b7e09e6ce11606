// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/provider"
)

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

type expectation struct {
	prog string
	args []string
	out  string
	err  error
}

// mockRunCommand intercepts backend commands, asserting each against
// an expectation queue.
type mockRunCommand struct {
	c        *gc.C
	expected []expectation
}

func (m *mockRunCommand) expect(prog string, args ...string) {
	m.expected = append(m.expected, expectation{prog: prog, args: args})
}

func (m *mockRunCommand) expectError(errText, prog string, args ...string) {
	m.expected = append(m.expected, expectation{
		prog: prog, args: args, err: errors.New(errText),
	})
}

func (m *mockRunCommand) run(prog string, args ...string) (string, error) {
	if len(m.expected) == 0 {
		m.c.Fatalf("unexpected command: %s %v", prog, args)
	}
	e := m.expected[0]
	m.expected = m.expected[1:]
	m.c.Check(prog, gc.Equals, e.prog)
	m.c.Check(args, gc.DeepEquals, e.args)
	return e.out, e.err
}

func (m *mockRunCommand) assertDrained() {
	m.c.Check(m.expected, gc.HasLen, 0)
}

type providerSuite struct {
	testing.IsolationSuite
	mock *mockRunCommand
	reg  *device.Registry
}

var _ = gc.Suite(&providerSuite{})

func (s *providerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.mock = &mockRunCommand{c: c}
	s.reg = device.NewRegistry()
	provider.Register(s.reg, s.mock.run)
}

func (s *providerSuite) TearDownTest(c *gc.C) {
	s.mock.assertDrained()
	s.IsolationSuite.TearDownTest(c)
}

func (s *providerSuite) newDevice(c *gc.C, cfg device.Config) *device.Device {
	cfg.Registry = s.reg
	d, err := device.New(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return d
}

func (s *providerSuite) newPartition(c *gc.C, name string, start, end uint64) *device.Device {
	return s.newDevice(c, device.Config{
		Name:      name,
		Kind:      device.KindPartition,
		Size:      (end - start + 1) * 512,
		Resizable: true,
		Region:    &device.PartRegion{Start: start, End: end, Type: device.PartitionPrimary},
	})
}

func (s *providerSuite) newFormat(c *gc.C, cfg device.FormatConfig) *device.Format {
	cfg.Registry = s.reg
	f, err := device.NewFormat(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return f
}

func (s *providerSuite) TestPartitionCreate(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	s.mock.expect("sgdisk", "--new=1:2048:4095", "/dev/sda")
	c.Assert(part.Backend().Create(part, nil), jc.ErrorIsNil)
}

func (s *providerSuite) TestPartitionCreateNvme(c *gc.C) {
	part := s.newPartition(c, "nvme0n1p2", 2048, 4095)
	s.mock.expect("sgdisk", "--new=2:2048:4095", "/dev/nvme0n1")
	c.Assert(part.Backend().Create(part, nil), jc.ErrorIsNil)
}

func (s *providerSuite) TestPartitionDestroy(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	s.mock.expect("sgdisk", "--delete=1", "/dev/sda")
	c.Assert(part.Backend().Destroy(part), jc.ErrorIsNil)
}

func (s *providerSuite) TestPartitionResize(c *gc.C) {
	part := s.newPartition(c, "sda3", 2048, 4095)
	s.mock.expect("parted", "---pretend-input-tty", "/dev/sda", "resizepart", "3", "2048MiB")
	c.Assert(part.Backend().Resize(part, 2*gib), jc.ErrorIsNil)
}

func (s *providerSuite) TestPartitionSetup(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	s.mock.expect("partprobe", "/dev/sda")
	c.Assert(part.Backend().Setup(part), jc.ErrorIsNil)
	c.Assert(part.Backend().Teardown(part), jc.ErrorIsNil)
}

func (s *providerSuite) TestMDCreate(c *gc.C) {
	m1 := s.newPartition(c, "sda1", 2048, 4095)
	m2 := s.newPartition(c, "sdb1", 2048, 4095)
	array := s.newDevice(c, device.Config{
		Name:      "md0",
		Kind:      device.KindMDArray,
		Size:      gib,
		RaidLevel: "raid1",
	})
	s.mock.expect(
		"mdadm", "--create", "/dev/md0", "--run",
		"--level=1", "--raid-devices=2", "/dev/sda1", "/dev/sdb1",
	)
	c.Assert(array.Backend().Create(array, []*device.Device{m1, m2}), jc.ErrorIsNil)
}

func (s *providerSuite) TestMDSetupAlreadyActive(c *gc.C) {
	array := s.newDevice(c, device.Config{
		Name: "md0", Kind: device.KindMDArray, Size: gib, RaidLevel: "raid1",
	})
	s.mock.expectError(
		"mdadm: /dev/md0 already active", "mdadm", "--assemble", "/dev/md0",
	)
	c.Assert(array.Backend().Setup(array), jc.ErrorIsNil)
}

func (s *providerSuite) TestMDRemoveMember(c *gc.C) {
	array := s.newDevice(c, device.Config{
		Name: "md0", Kind: device.KindMDArray, Size: gib, RaidLevel: "raid1",
	})
	member := s.newPartition(c, "sda1", 2048, 4095)
	s.mock.expect("mdadm", "/dev/md0", "--fail", "/dev/sda1")
	s.mock.expect("mdadm", "/dev/md0", "--remove", "/dev/sda1")
	mb, ok := array.Backend().(device.MemberBackend)
	c.Assert(ok, jc.IsTrue)
	c.Assert(mb.RemoveMember(array, member), jc.ErrorIsNil)
}

func (s *providerSuite) TestVGCreate(c *gc.C) {
	pv := s.newPartition(c, "sda1", 2048, 4095)
	vg := s.newDevice(c, device.Config{
		Name: "vg0", Kind: device.KindLVMVG, Size: gib,
	})
	s.mock.expect("vgcreate", "vg0", "/dev/sda1")
	c.Assert(vg.Backend().Create(vg, []*device.Device{pv}), jc.ErrorIsNil)
}

func (s *providerSuite) TestVGResizeNotSupported(c *gc.C) {
	vg := s.newDevice(c, device.Config{
		Name: "vg0", Kind: device.KindLVMVG, Size: gib,
	})
	c.Assert(vg.Backend().Resize(vg, 2*gib), jc.Satisfies, errors.IsNotSupported)
}

func (s *providerSuite) TestVGMembership(c *gc.C) {
	vg := s.newDevice(c, device.Config{
		Name: "vg0", Kind: device.KindLVMVG, Size: gib,
	})
	pv := s.newPartition(c, "sda2", 2048, 4095)
	s.mock.expect("vgextend", "vg0", "/dev/sda2")
	s.mock.expect("vgreduce", "vg0", "/dev/sda2")
	mb, ok := vg.Backend().(device.MemberBackend)
	c.Assert(ok, jc.IsTrue)
	c.Assert(mb.AddMember(vg, pv), jc.ErrorIsNil)
	c.Assert(mb.RemoveMember(vg, pv), jc.ErrorIsNil)
}

func (s *providerSuite) TestLVCreate(c *gc.C) {
	vg := s.newDevice(c, device.Config{
		Name: "vg0", Kind: device.KindLVMVG, Size: 2 * gib,
	})
	lv := s.newDevice(c, device.Config{
		Name: "root", Kind: device.KindLVMLV, Size: gib, Resizable: true,
	})
	s.mock.expect("lvcreate", "--name", "root", "--size", "1024m", "vg0")
	c.Assert(lv.Backend().Create(lv, []*device.Device{vg}), jc.ErrorIsNil)
}

func (s *providerSuite) TestLVCreateRequiresGroup(c *gc.C) {
	lv := s.newDevice(c, device.Config{
		Name: "root", Kind: device.KindLVMLV, Size: gib,
	})
	err := lv.Backend().Create(lv, nil)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *providerSuite) TestLVResize(c *gc.C) {
	lv := s.newDevice(c, device.Config{
		Name: "root", Kind: device.KindLVMLV, Size: gib, Resizable: true,
		Path: "/dev/vg0/root",
	})
	s.mock.expect("lvresize", "--force", "--size", "2048m", "/dev/vg0/root")
	c.Assert(lv.Backend().Resize(lv, 2*gib), jc.ErrorIsNil)
}

func (s *providerSuite) TestLUKS(c *gc.C) {
	luks := s.newDevice(c, device.Config{
		Name: "luks-sda1", Kind: device.KindLUKS, Size: gib,
	})
	s.mock.expect("cryptsetup", "open", "/dev/sda1", "luks-sda1")
	s.mock.expect("cryptsetup", "close", "luks-sda1")
	c.Assert(luks.Backend().Create(luks, nil), jc.ErrorIsNil)
	c.Assert(luks.Backend().Destroy(luks), jc.ErrorIsNil)
}

func (s *providerSuite) TestLUKSSetupAlreadyOpen(c *gc.C) {
	luks := s.newDevice(c, device.Config{
		Name: "luks-sda1", Kind: device.KindLUKS, Size: gib,
	})
	s.mock.expectError(
		"device luks-sda1 already exists", "cryptsetup", "open", "/dev/sda1", "luks-sda1",
	)
	c.Assert(luks.Backend().Setup(luks), jc.ErrorIsNil)
}

func (s *providerSuite) TestMkfs(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	labelled := s.newFormat(c, device.FormatConfig{Type: device.FormatExt4, Label: "data"})
	s.mock.expect("mkfs.ext4", "-L", "data", "/dev/sda1")
	c.Assert(labelled.Backend().Create(part, labelled), jc.ErrorIsNil)

	plain := s.newFormat(c, device.FormatConfig{Type: device.FormatXFS})
	s.mock.expect("mkfs.xfs", "/dev/sda1")
	c.Assert(plain.Backend().Create(part, plain), jc.ErrorIsNil)
}

func (s *providerSuite) TestMkfsDestroy(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	f := s.newFormat(c, device.FormatConfig{Type: device.FormatExt4, Exists: true})
	s.mock.expect("wipefs", "--all", "/dev/sda1")
	c.Assert(f.Backend().Destroy(part, f), jc.ErrorIsNil)
}

func (s *providerSuite) TestMkfsResize(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	ext4 := s.newFormat(c, device.FormatConfig{Type: device.FormatExt4, Exists: true})
	s.mock.expect("resize2fs", "/dev/sda1", "2048M")
	c.Assert(ext4.Backend().Resize(part, ext4, 2*gib), jc.ErrorIsNil)

	xfs := s.newFormat(c, device.FormatConfig{Type: device.FormatXFS, Exists: true})
	s.mock.expect("xfs_growfs", "/dev/sda1")
	c.Assert(xfs.Backend().Resize(part, xfs, 2*gib), jc.ErrorIsNil)
}

func (s *providerSuite) TestSwap(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	f := s.newFormat(c, device.FormatConfig{Type: device.FormatSwap, Label: "swap"})
	s.mock.expect("mkswap", "--label", "swap", "/dev/sda1")
	c.Assert(f.Backend().Create(part, f), jc.ErrorIsNil)
	c.Assert(f.Backend().Resize(part, f, 2*gib), jc.Satisfies, errors.IsNotSupported)
}

func (s *providerSuite) TestDisklabel(c *gc.C) {
	disk := s.newDevice(c, device.Config{
		Name: "sda", Kind: device.KindDisk, Size: 10 * gib, Exists: true,
	})
	f := s.newFormat(c, device.FormatConfig{
		Type:      device.FormatDisklabel,
		Disklabel: &device.DisklabelInfo{Type: device.DisklabelGPT},
	})
	s.mock.expect("parted", "--script", "/dev/sda", "mklabel", "gpt")
	s.mock.expect("sgdisk", "--zap-all", "/dev/sda")
	c.Assert(f.Backend().Create(disk, f), jc.ErrorIsNil)
	c.Assert(f.Backend().Destroy(disk, f), jc.ErrorIsNil)
}

func (s *providerSuite) TestMDMember(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	f := s.newFormat(c, device.FormatConfig{Type: device.FormatMDMember})
	// Creation is deferred to mdadm; only destruction runs a command.
	c.Assert(f.Backend().Create(part, f), jc.ErrorIsNil)
	s.mock.expect("mdadm", "--zero-superblock", "/dev/sda1")
	c.Assert(f.Backend().Destroy(part, f), jc.ErrorIsNil)
}

func (s *providerSuite) TestPV(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	f := s.newFormat(c, device.FormatConfig{Type: device.FormatLVMPV})
	s.mock.expect("pvcreate", "/dev/sda1")
	s.mock.expect("pvresize", "--setphysicalvolumesize", "2048m", "/dev/sda1")
	c.Assert(f.Backend().Create(part, f), jc.ErrorIsNil)
	c.Assert(f.Backend().Resize(part, f, 2*gib), jc.ErrorIsNil)
}

func (s *providerSuite) TestLUKSFormat(c *gc.C) {
	part := s.newPartition(c, "sda1", 2048, 4095)
	f := s.newFormat(c, device.FormatConfig{Type: device.FormatLUKS})
	s.mock.expect("cryptsetup", "luksFormat", "--batch-mode", "/dev/sda1")
	s.mock.expect("cryptsetup", "erase", "--batch-mode", "/dev/sda1")
	c.Assert(f.Backend().Create(part, f), jc.ErrorIsNil)
	c.Assert(f.Backend().Destroy(part, f), jc.ErrorIsNil)
}
