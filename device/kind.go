// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package device

// Kind identifies the variety of a block device. Type-specific
// behaviour is resolved once, at construction time, by looking the
// kind up in a backend registry; there is no per-kind subtype.
type Kind string

const (
	KindDisk      Kind = "disk"
	KindPartition Kind = "partition"
	KindMDArray   Kind = "mdarray"
	KindLVMVG     Kind = "lvmvg"
	KindLVMLV     Kind = "lvmlv"
	KindLUKS      Kind = "luks"
)

// IsContainer reports whether devices of this kind aggregate member
// devices (their parents) rather than occupying a region of a single
// backing device.
func (k Kind) IsContainer() bool {
	switch k {
	case KindMDArray, KindLVMVG:
		return true
	}
	return false
}

// FormatType identifies the data occupying a device: a filesystem,
// a membership signature, an encryption header, or nothing at all.
type FormatType string

const (
	// FormatNone is the sentinel type held by an unformatted device.
	// Every device has a format at all times; "no format" is itself
	// a format of this type.
	FormatNone FormatType = "none"

	FormatExt4      FormatType = "ext4"
	FormatXFS       FormatType = "xfs"
	FormatSwap      FormatType = "swap"
	FormatDisklabel FormatType = "disklabel"
	FormatMDMember  FormatType = "mdmember"
	FormatLVMPV     FormatType = "lvmpv"
	FormatLUKS      FormatType = "luks"
)

// PartitionType distinguishes the disklabel slot a partition occupies.
type PartitionType string

const (
	PartitionPrimary  PartitionType = "primary"
	PartitionExtended PartitionType = "extended"
	PartitionLogical  PartitionType = "logical"
)

// DisklabelType identifies a partition table flavour.
type DisklabelType string

const (
	DisklabelGPT   DisklabelType = "gpt"
	DisklabelMSDOS DisklabelType = "msdos"
)
