//go:build linux

// ABOUTME: Linux uio capture device: mmaps the PRU shared region and blocks on interrupts
// ABOUTME: Loads firmware through remoteproc sysfs and re-arms the interrupt after each event
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/harper/pcm-capture/internal/domain"
)

type UIO struct {
	cfg UIOConfig

	fd       int
	mem      []byte
	base     uint32
	counting bool
}

func NewUIO(cfg UIOConfig) *UIO {
	return &UIO{cfg: cfg, fd: -1}
}

func (u *UIO) Setup() (domain.Region, error) {
	if u.fd >= 0 {
		return domain.Region{}, ErrAlreadySetUp
	}
	if u.cfg.FrameSize <= 0 {
		return domain.Region{}, fmt.Errorf("invalid frame size %d", u.cfg.FrameSize)
	}

	if err := u.loadFirmware(); err != nil {
		return domain.Region{}, err
	}

	fd, err := unix.Open(u.cfg.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		u.stopFirmware()
		return domain.Region{}, fmt.Errorf("open %s: %w", u.cfg.Path, err)
	}

	size := u.cfg.Size
	if size == 0 {
		if size, err = u.sysfsMapSize(); err != nil {
			unix.Close(fd)
			u.stopFirmware()
			return domain.Region{}, err
		}
	}

	offset := int64(u.cfg.MapIndex) * int64(unix.Getpagesize())
	mem, err := unix.Mmap(fd, offset, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		u.stopFirmware()
		return domain.Region{}, fmt.Errorf("mmap map%d (%d bytes): %w", u.cfg.MapIndex, size, err)
	}

	u.fd = fd
	u.mem = mem
	u.counting = false

	if err := u.setIRQ(true); err != nil {
		u.Teardown()
		return domain.Region{}, fmt.Errorf("enable interrupt: %w", err)
	}

	return domain.NewRegion(mem, u.cfg.FrameSize), nil
}

// WaitForNextHalf blocks in read(2) until the next interrupt. The uio event
// counter decides the half, so missed interrupts do not desynchronize it.
func (u *UIO) WaitForNextHalf() (domain.Half, error) {
	if u.fd < 0 {
		return 0, ErrNotSetUp
	}

	var b [4]byte
	for {
		n, err := unix.Read(u.fd, b[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait for interrupt: %w", err)
		}
		if n != len(b) {
			return 0, fmt.Errorf("short interrupt read: %d bytes", n)
		}
		break
	}

	count := binary.NativeEndian.Uint32(b[:])
	if !u.counting {
		u.base = count
		u.counting = true
	}

	if err := u.setIRQ(true); err != nil {
		return 0, fmt.Errorf("re-enable interrupt: %w", err)
	}

	return domain.Half((count - u.base) % 2), nil
}

func (u *UIO) Teardown() error {
	if u.fd < 0 {
		return nil
	}

	var errs []error
	if err := u.setIRQ(false); err != nil {
		errs = append(errs, fmt.Errorf("disable interrupt: %w", err))
	}
	if u.mem != nil {
		if err := unix.Munmap(u.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		u.mem = nil
	}
	if err := unix.Close(u.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", u.cfg.Path, err))
	}
	u.fd = -1

	if err := u.stopFirmware(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (u *UIO) setIRQ(on bool) error {
	var b [4]byte
	if on {
		binary.NativeEndian.PutUint32(b[:], 1)
	}
	_, err := unix.Write(u.fd, b[:])
	return err
}

func (u *UIO) sysfsMapSize() (int, error) {
	path := filepath.Join("/sys/class/uio", filepath.Base(u.cfg.Path), "maps",
		fmt.Sprintf("map%d", u.cfg.MapIndex), "size")

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read map size: %w", err)
	}
	return parseMapSize(string(data))
}

func (u *UIO) loadFirmware() error {
	if u.cfg.Remoteproc == "" || u.cfg.Firmware == "" {
		return nil
	}

	// A core left running by a previous process refuses a new firmware.
	_ = writeSysfs(u.remoteprocDir(), "state", "stop")

	if err := writeSysfs(u.remoteprocDir(), "firmware", u.cfg.Firmware); err != nil {
		return fmt.Errorf("set firmware %s: %w", u.cfg.Firmware, err)
	}
	if err := writeSysfs(u.remoteprocDir(), "state", "start"); err != nil {
		return fmt.Errorf("start firmware %s: %w", u.cfg.Firmware, err)
	}
	return nil
}

func (u *UIO) stopFirmware() error {
	if u.cfg.Remoteproc == "" || u.cfg.Firmware == "" {
		return nil
	}
	if err := writeSysfs(u.remoteprocDir(), "state", "stop"); err != nil {
		return fmt.Errorf("stop firmware: %w", err)
	}
	return nil
}

// remoteprocDir accepts either a sysfs path or a bare name like remoteproc1.
func (u *UIO) remoteprocDir() string {
	if filepath.IsAbs(u.cfg.Remoteproc) {
		return u.cfg.Remoteproc
	}
	return filepath.Join("/sys/class/remoteproc", u.cfg.Remoteproc)
}

func writeSysfs(dir, name, value string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644)
}
