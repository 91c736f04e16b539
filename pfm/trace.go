// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfm

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// traceEvent resolves a system:event tracepoint name to its tracefs id.
func traceEvent(name string) (*Event, error) {
	colon := strings.Index(name, ":")
	system, event := name[:colon], name[colon+1:]

	id, err := readSysfsInt("/sys/kernel/tracing/events/" + system + "/" + event + "/id")
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownEvent, "no tracepoint %s", name)
	}

	return &Event{
		Type:    unix.PERF_TYPE_TRACEPOINT,
		Config:  uint64(id),
		Kind:    KindTrace,
		Name:    name,
		CPUMask: -1,
	}, nil
}
