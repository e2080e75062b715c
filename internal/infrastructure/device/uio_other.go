//go:build !linux

// ABOUTME: Placeholder uio capture device for platforms without Linux userspace I/O
// ABOUTME: Setup always fails so sessions report a setup failure instead of hanging
package device

import (
	"errors"
	"fmt"

	"github.com/harper/pcm-capture/internal/domain"
)

type UIO struct {
	cfg UIOConfig
}

func NewUIO(cfg UIOConfig) *UIO {
	return &UIO{cfg: cfg}
}

func (u *UIO) Setup() (domain.Region, error) {
	return domain.Region{}, fmt.Errorf("uio device %s: %w", u.cfg.Path, errors.ErrUnsupported)
}

func (u *UIO) WaitForNextHalf() (domain.Half, error) {
	return 0, ErrNotSetUp
}

func (u *UIO) Teardown() error {
	return nil
}
