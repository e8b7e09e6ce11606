// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package factory

import (
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/juju/blockplan/device"
	"github.com/juju/blockplan/devicetree"
)

var specFields = schema.FieldMap(
	schema.Fields{
		"name":       schema.String(),
		"size":       schema.String(),
		"kind":       schema.String(),
		"disks":      schema.List(schema.String()),
		"raid-level": schema.String(),
		"encrypted":  schema.Bool(),
		"filesystem": schema.String(),
		"container":  schema.String(),
	},
	schema.Defaults{
		"disks":      schema.Omit,
		"raid-level": "",
		"encrypted":  false,
		"filesystem": "",
		"container":  "",
	},
)

var specKinds = map[string]device.Kind{
	"partition": device.KindPartition,
	"lv":        device.KindLVMLV,
	"lvmlv":     device.KindLVMLV,
	"raid":      device.KindMDArray,
	"mdarray":   device.KindMDArray,
}

var specFormats = map[string]device.FormatType{
	"ext4": device.FormatExt4,
	"xfs":  device.FormatXFS,
	"swap": device.FormatSwap,
}

// ParseSpec coerces a loosely typed attribute map, as decoded from
// YAML or a CLI, into a Spec. Sizes accept humanized strings such as
// "10GiB"; disks are resolved against the tree by name, path, UUID=,
// LABEL= or PARTUUID= specifier.
func ParseSpec(tree *devicetree.Tree, attrs map[string]interface{}) (Spec, error) {
	coerced, err := specFields.Coerce(attrs, nil)
	if err != nil {
		return Spec{}, errors.Annotate(err, "device spec")
	}
	fields := coerced.(map[string]interface{})

	spec := Spec{
		Name:      fields["name"].(string),
		RaidLevel: fields["raid-level"].(string),
		Encrypted: fields["encrypted"].(bool),
	}

	size, err := humanize.ParseBytes(fields["size"].(string))
	if err != nil {
		return Spec{}, errors.Annotatef(err, "size of device spec %q", spec.Name)
	}
	spec.Size = size

	kind, ok := specKinds[fields["kind"].(string)]
	if !ok {
		return Spec{}, errors.NotSupportedf("device kind %q", fields["kind"])
	}
	spec.Kind = kind

	if fs := fields["filesystem"].(string); fs != "" {
		ftype, ok := specFormats[fs]
		if !ok {
			return Spec{}, errors.NotSupportedf("filesystem %q", fs)
		}
		spec.FormatType = ftype
	}

	if name := fields["container"].(string); name != "" {
		spec.Container.Name = name
		if vg, err := tree.DeviceByName(name); err == nil {
			spec.Container.Device = vg
		}
	}

	if raw, ok := fields["disks"].([]interface{}); ok {
		for _, item := range raw {
			disk, err := tree.Resolve(item.(string))
			if err != nil {
				return Spec{}, errors.Annotatef(err, "device spec %q", spec.Name)
			}
			spec.Disks = append(spec.Disks, disk)
		}
	}
	return spec, nil
}
