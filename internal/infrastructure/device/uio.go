// ABOUTME: Configuration shared by the userspace I/O capture device on every platform
// ABOUTME: Describes the uio node, shared memory map, and optional remoteproc firmware
package device

import (
	"fmt"
	"strconv"
	"strings"
)

type UIOConfig struct {
	// Path of the uio character device, e.g. /dev/uio0.
	Path string
	// MapIndex selects the memory map holding the shared sample region.
	MapIndex int
	// Size of the map in bytes. Zero reads it from sysfs.
	Size int
	// Remoteproc is the PRU core's sysfs directory or its name under
	// /sys/class/remoteproc. Empty skips firmware loading.
	Remoteproc string
	Firmware   string
	// FrameSize is the size of one multi-channel frame in bytes.
	FrameSize int
}

// parseMapSize parses the hex size published by the uio driver.
func parseMapSize(s string) (int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 63)
	if err != nil {
		return 0, fmt.Errorf("parse map size %q: %w", s, err)
	}
	return int(v), nil
}
