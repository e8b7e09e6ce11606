// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider supplies the reference backends that realize
// planned actions with the ordinary system utilities: sgdisk, mdadm,
// the LVM tools, cryptsetup and the mkfs family. Every backend is
// parameterized on a command runner so tests can intercept the
// commands instead of executing them.
package provider

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/kballard/go-shellquote"

	"github.com/juju/blockplan/device"
)

var logger = loggo.GetLogger("blockplan.provider")

// RunCommandFunc is a function type used for running commands on the
// local machine.
type RunCommandFunc func(prog string, args ...string) (string, error)

// logAndExec logs the specified command and arguments, executes them,
// and returns the combined output.
func logAndExec(prog string, args ...string) (string, error) {
	logger.Debugf("running: %s %s", prog, shellquote.Join(args...))
	cmd := exec.Command(prog, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if len(out) > 0 {
			err = errors.Annotate(err, out)
		}
		return "", err
	}
	return string(output), nil
}

// Register installs the reference backends for every supported device
// kind and format type into reg. A nil run installs the real
// command-executing runner.
func Register(reg *device.Registry, run RunCommandFunc) {
	if run == nil {
		run = logAndExec
	}
	reg.RegisterBackend(device.KindPartition, &partitionBackend{run})
	reg.RegisterBackend(device.KindMDArray, &mdBackend{run})
	reg.RegisterBackend(device.KindLVMVG, &vgBackend{run})
	reg.RegisterBackend(device.KindLVMLV, &lvBackend{run})
	reg.RegisterBackend(device.KindLUKS, &luksBackend{run})

	reg.RegisterFormatBackend(device.FormatExt4, &mkfsBackend{run, "ext4"})
	reg.RegisterFormatBackend(device.FormatXFS, &mkfsBackend{run, "xfs"})
	reg.RegisterFormatBackend(device.FormatSwap, &swapBackend{run})
	reg.RegisterFormatBackend(device.FormatDisklabel, &disklabelBackend{run})
	reg.RegisterFormatBackend(device.FormatMDMember, &mdMemberBackend{run})
	reg.RegisterFormatBackend(device.FormatLVMPV, &pvBackend{run})
	reg.RegisterFormatBackend(device.FormatLUKS, &luksFormatBackend{run})
}

// devicePath returns the node the utilities should operate on,
// falling back to the conventional /dev name for devices planned
// without an explicit path.
func devicePath(d *device.Device) string {
	if p := d.Path(); p != "" {
		return p
	}
	return "/dev/" + d.Name()
}

func mib(size uint64) uint64 {
	return size / (1024 * 1024)
}

type partitionBackend struct {
	run RunCommandFunc
}

func (b *partitionBackend) Create(d *device.Device, members []*device.Device) error {
	region := d.Region()
	if region == nil {
		return errors.NotValidf("partition %q without a region", d.Name())
	}
	disk, err := backingDiskPath(d)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.run(
		"sgdisk",
		fmt.Sprintf("--new=%d:%d:%d", partitionNumber(d), region.Start, region.End),
		disk,
	)
	return errors.Trace(err)
}

func (b *partitionBackend) Destroy(d *device.Device) error {
	disk, err := backingDiskPath(d)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.run("sgdisk", fmt.Sprintf("--delete=%d", partitionNumber(d)), disk)
	return errors.Trace(err)
}

func (b *partitionBackend) Resize(d *device.Device, newSize uint64) error {
	disk, err := backingDiskPath(d)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.run(
		"parted", "---pretend-input-tty", disk,
		"resizepart", fmt.Sprint(partitionNumber(d)),
		fmt.Sprintf("%dMiB", mib(newSize)),
	)
	return errors.Trace(err)
}

func (b *partitionBackend) Setup(d *device.Device) error {
	disk, err := backingDiskPath(d)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = b.run("partprobe", disk)
	return errors.Trace(err)
}

func (b *partitionBackend) Teardown(d *device.Device) error {
	return nil
}

// backingDiskPath returns the path of the disk a partition lives on.
// Partition nodes embed the disk name plus a slot number (sda1 on
// sda, nvme0n1p2 on nvme0n1); strip the number and any nvme-style
// "p" separator.
func backingDiskPath(d *device.Device) (string, error) {
	path := devicePath(d)
	i := len(path)
	for i > 0 && path[i-1] >= '0' && path[i-1] <= '9' {
		i--
	}
	if i == len(path) || i == 0 {
		return "", errors.NotValidf("partition path %q", path)
	}
	return strings.TrimSuffix(path[:i], "p"), nil
}

// partitionNumber returns the slot number embedded in a partition's
// node name.
func partitionNumber(d *device.Device) int {
	path := devicePath(d)
	n := 0
	for _, c := range path {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		} else {
			n = 0
		}
	}
	return n
}

type mdBackend struct {
	run RunCommandFunc
}

func (b *mdBackend) Create(d *device.Device, members []*device.Device) error {
	args := []string{
		"--create", devicePath(d),
		"--run",
		"--level=" + strings.TrimPrefix(d.RaidLevel(), "raid"),
		fmt.Sprintf("--raid-devices=%d", len(members)),
	}
	for _, member := range members {
		args = append(args, devicePath(member))
	}
	_, err := b.run("mdadm", args...)
	return errors.Trace(err)
}

func (b *mdBackend) Destroy(d *device.Device) error {
	_, err := b.run("mdadm", "--stop", devicePath(d))
	return errors.Trace(err)
}

func (b *mdBackend) Resize(d *device.Device, newSize uint64) error {
	_, err := b.run(
		"mdadm", "--grow", devicePath(d),
		fmt.Sprintf("--size=%d", newSize/1024),
	)
	return errors.Trace(err)
}

func (b *mdBackend) Setup(d *device.Device) error {
	_, err := b.run("mdadm", "--assemble", devicePath(d))
	if err != nil && strings.Contains(err.Error(), "already active") {
		return nil
	}
	return errors.Trace(err)
}

func (b *mdBackend) Teardown(d *device.Device) error {
	_, err := b.run("mdadm", "--stop", devicePath(d))
	return errors.Trace(err)
}

func (b *mdBackend) AddMember(d, member *device.Device) error {
	_, err := b.run("mdadm", devicePath(d), "--add", devicePath(member))
	return errors.Trace(err)
}

func (b *mdBackend) RemoveMember(d, member *device.Device) error {
	if _, err := b.run("mdadm", devicePath(d), "--fail", devicePath(member)); err != nil {
		return errors.Trace(err)
	}
	_, err := b.run("mdadm", devicePath(d), "--remove", devicePath(member))
	return errors.Trace(err)
}

type vgBackend struct {
	run RunCommandFunc
}

func (b *vgBackend) Create(d *device.Device, members []*device.Device) error {
	args := []string{d.Name()}
	for _, pv := range members {
		args = append(args, devicePath(pv))
	}
	_, err := b.run("vgcreate", args...)
	return errors.Trace(err)
}

func (b *vgBackend) Destroy(d *device.Device) error {
	_, err := b.run("vgremove", "--force", d.Name())
	return errors.Trace(err)
}

func (b *vgBackend) Resize(d *device.Device, newSize uint64) error {
	return errors.NotSupportedf("resizing volume group %q", d.Name())
}

func (b *vgBackend) Setup(d *device.Device) error {
	_, err := b.run("vgchange", "--activate", "y", d.Name())
	return errors.Trace(err)
}

func (b *vgBackend) Teardown(d *device.Device) error {
	_, err := b.run("vgchange", "--activate", "n", d.Name())
	return errors.Trace(err)
}

func (b *vgBackend) AddMember(d, member *device.Device) error {
	_, err := b.run("vgextend", d.Name(), devicePath(member))
	return errors.Trace(err)
}

func (b *vgBackend) RemoveMember(d, member *device.Device) error {
	_, err := b.run("vgreduce", d.Name(), devicePath(member))
	return errors.Trace(err)
}

type lvBackend struct {
	run RunCommandFunc
}

func (b *lvBackend) Create(d *device.Device, members []*device.Device) error {
	if len(members) != 1 {
		return errors.NotValidf("logical volume %q with %d parents", d.Name(), len(members))
	}
	_, err := b.run(
		"lvcreate", "--name", d.Name(),
		"--size", fmt.Sprintf("%dm", mib(d.Size())),
		members[0].Name(),
	)
	return errors.Trace(err)
}

func (b *lvBackend) Destroy(d *device.Device) error {
	_, err := b.run("lvremove", "--force", devicePath(d))
	return errors.Trace(err)
}

func (b *lvBackend) Resize(d *device.Device, newSize uint64) error {
	_, err := b.run(
		"lvresize", "--force",
		"--size", fmt.Sprintf("%dm", mib(newSize)),
		devicePath(d),
	)
	return errors.Trace(err)
}

func (b *lvBackend) Setup(d *device.Device) error {
	_, err := b.run("lvchange", "--activate", "y", devicePath(d))
	return errors.Trace(err)
}

func (b *lvBackend) Teardown(d *device.Device) error {
	_, err := b.run("lvchange", "--activate", "n", devicePath(d))
	return errors.Trace(err)
}

type luksBackend struct {
	run RunCommandFunc
}

// luksBackingPath returns the node of the encrypted device under a
// LUKS mapping. Mapped names are derived from the backing device
// ("luks-<backing>").
func luksBackingPath(d *device.Device) string {
	return "/dev/" + strings.TrimPrefix(d.Name(), "luks-")
}

func (b *luksBackend) Create(d *device.Device, members []*device.Device) error {
	_, err := b.run("cryptsetup", "open", luksBackingPath(d), d.Name())
	return errors.Trace(err)
}

func (b *luksBackend) Destroy(d *device.Device) error {
	_, err := b.run("cryptsetup", "close", d.Name())
	return errors.Trace(err)
}

func (b *luksBackend) Resize(d *device.Device, newSize uint64) error {
	_, err := b.run(
		"cryptsetup", "resize", d.Name(),
		"--size", fmt.Sprint(newSize/512),
	)
	return errors.Trace(err)
}

func (b *luksBackend) Setup(d *device.Device) error {
	_, err := b.run("cryptsetup", "open", luksBackingPath(d), d.Name())
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return errors.Trace(err)
}

func (b *luksBackend) Teardown(d *device.Device) error {
	_, err := b.run("cryptsetup", "close", d.Name())
	return errors.Trace(err)
}
