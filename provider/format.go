// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/blockplan/device"
)

// mkfsBackend realizes ordinary filesystems through the mkfs family.
type mkfsBackend struct {
	run    RunCommandFunc
	fstype string
}

func (b *mkfsBackend) Create(d *device.Device, f *device.Format) error {
	args := []string{devicePath(d)}
	if f.Label() != "" {
		args = append([]string{"-L", f.Label()}, args...)
	}
	_, err := b.run("mkfs."+b.fstype, args...)
	return errors.Trace(err)
}

func (b *mkfsBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("wipefs", "--all", devicePath(d))
	return errors.Trace(err)
}

func (b *mkfsBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	switch b.fstype {
	case "ext4":
		_, err := b.run("resize2fs", devicePath(d), fmt.Sprintf("%dM", mib(newSize)))
		return errors.Trace(err)
	case "xfs":
		// xfs only grows, and only while mounted; the caller is
		// responsible for rejecting shrinks before commit.
		_, err := b.run("xfs_growfs", devicePath(d))
		return errors.Trace(err)
	}
	return errors.NotSupportedf("resizing %s", b.fstype)
}

type swapBackend struct {
	run RunCommandFunc
}

func (b *swapBackend) Create(d *device.Device, f *device.Format) error {
	args := []string{devicePath(d)}
	if f.Label() != "" {
		args = append([]string{"--label", f.Label()}, args...)
	}
	_, err := b.run("mkswap", args...)
	return errors.Trace(err)
}

func (b *swapBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("wipefs", "--all", devicePath(d))
	return errors.Trace(err)
}

func (b *swapBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	return errors.NotSupportedf("resizing swap")
}

// disklabelBackend writes and removes partition tables.
type disklabelBackend struct {
	run RunCommandFunc
}

func (b *disklabelBackend) Create(d *device.Device, f *device.Format) error {
	label := f.Disklabel()
	if label == nil {
		return errors.NotValidf("disklabel format without table info")
	}
	_, err := b.run(
		"parted", "--script", devicePath(d), "mklabel", string(label.Type),
	)
	return errors.Trace(err)
}

func (b *disklabelBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("sgdisk", "--zap-all", devicePath(d))
	return errors.Trace(err)
}

func (b *disklabelBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	return errors.NotSupportedf("resizing a disklabel")
}

// mdMemberBackend manages mdraid membership signatures.
type mdMemberBackend struct {
	run RunCommandFunc
}

func (b *mdMemberBackend) Create(d *device.Device, f *device.Format) error {
	// The signature is written by mdadm when the member joins an
	// array; nothing to do up front.
	return nil
}

func (b *mdMemberBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("mdadm", "--zero-superblock", devicePath(d))
	return errors.Trace(err)
}

func (b *mdMemberBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	return errors.NotSupportedf("resizing an mdraid member signature")
}

type pvBackend struct {
	run RunCommandFunc
}

func (b *pvBackend) Create(d *device.Device, f *device.Format) error {
	_, err := b.run("pvcreate", devicePath(d))
	return errors.Trace(err)
}

func (b *pvBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("pvremove", "--force", devicePath(d))
	return errors.Trace(err)
}

func (b *pvBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	_, err := b.run(
		"pvresize", "--setphysicalvolumesize",
		fmt.Sprintf("%dm", mib(newSize)), devicePath(d),
	)
	return errors.Trace(err)
}

type luksFormatBackend struct {
	run RunCommandFunc
}

func (b *luksFormatBackend) Create(d *device.Device, f *device.Format) error {
	_, err := b.run("cryptsetup", "luksFormat", "--batch-mode", devicePath(d))
	return errors.Trace(err)
}

func (b *luksFormatBackend) Destroy(d *device.Device, f *device.Format) error {
	_, err := b.run("cryptsetup", "erase", "--batch-mode", devicePath(d))
	return errors.Trace(err)
}

func (b *luksFormatBackend) Resize(d *device.Device, f *device.Format, newSize uint64) error {
	return errors.NotSupportedf("resizing a LUKS header")
}
