// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfm

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// uncoreEvent resolves a device/event/ name through sysfs. The device
// type and cpumask come from /sys/devices/<dev>, the config from the
// device's events directory.
func uncoreEvent(name string) (*Event, error) {
	slash := strings.Index(name, "/")
	dev := name[:slash]
	evt := strings.TrimSuffix(name[slash+1:], "/")

	typ, err := readSysfsInt("/sys/devices/" + dev + "/type")
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownEvent, "no such device %s", dev)
	}

	config, err := uncoreConfig(dev, evt)
	if err != nil {
		return nil, err
	}

	// The cpumask file is a comma-separated list; the first entry
	// is the representative CPU for the socket.
	mask := -1
	if data, err := os.ReadFile("/sys/devices/" + dev + "/cpumask"); err == nil {
		first := strings.TrimSpace(string(data))
		if i := strings.Index(first, ","); i >= 0 {
			first = first[:i]
		}
		if cpu, err := strconv.Atoi(first); err == nil {
			mask = cpu
		}
	}

	return &Event{
		Type:    uint32(typ),
		Config:  config,
		Kind:    KindUncore,
		Name:    name,
		CPUMask: mask,
	}, nil
}

// uncoreConfig parses "config=0x<hex>" from the device's event file.
func uncoreConfig(dev, evt string) (uint64, error) {
	data, err := os.ReadFile("/sys/devices/" + dev + "/events/" + evt)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownEvent, "no event %s on %s", evt, dev)
	}
	spec := strings.TrimSpace(string(data))
	eq := strings.Index(spec, "=")
	if eq < 0 {
		return 0, errors.Wrapf(ErrUnknownEvent, "bad event spec %q", spec)
	}
	val := strings.TrimPrefix(spec[eq+1:], "0x")
	config, err := strconv.ParseUint(val, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownEvent, "bad event spec %q", spec)
	}
	return config, nil
}
