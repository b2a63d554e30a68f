//go:build linux

package evloop

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type timerfd struct {
	tfd int
}

func newTimerfd() (timerSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	return &timerfd{tfd: fd}, nil
}

func (t *timerfd) fd() int { return t.tfd }

func (t *timerfd) arm(d time.Duration) error {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	return errors.Wrap(unix.TimerfdSettime(t.tfd, 0, &spec, nil), "timerfd_settime")
}

func (t *timerfd) disarm() error {
	var spec unix.ItimerSpec
	return errors.Wrap(unix.TimerfdSettime(t.tfd, 0, &spec, nil), "timerfd_settime")
}

func (t *timerfd) drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.tfd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read timerfd")
	}
	if n != len(buf) {
		return 0, errors.Errorf("read timerfd: %d bytes instead of 8", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (t *timerfd) close() error {
	return errors.Wrap(unix.Close(t.tfd), "close timerfd")
}
