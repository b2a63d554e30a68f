//go:build linux

package evloop

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func createEventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "eventfd")
	}
	return fd, nil
}

func writeEventfd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		// 计数器溢出前读端总会清零，EAGAIN 只意味着已经有未消费的唤醒
		if err == unix.EAGAIN {
			return nil
		}
		return errors.Wrap(err, "write eventfd")
	}
	if n != len(buf) {
		return errors.Errorf("write eventfd: %d bytes instead of 8", n)
	}
	return nil
}

func readEventfd(fd int) error {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return errors.Wrap(err, "read eventfd")
	}
	if n != len(buf) {
		return errors.Errorf("read eventfd: %d bytes instead of 8", n)
	}
	return nil
}
