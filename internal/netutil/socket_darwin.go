//go:build darwin

package netutil

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewNonblockingSocket 创建非阻塞且带 CLOEXEC 的 TCP socket。darwin 没有 SOCK_NONBLOCK，创建后再设置。
func NewNonblockingSocket(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)
	if err = SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Socket{fd: fd}, nil
}

func Accept(listenfd int) (int, netip.AddrPort, error) {
	fd, sa, err := unix.Accept(listenfd)
	if err != nil {
		return -1, netip.AddrPort{}, errors.Wrap(err, "accept")
	}
	unix.CloseOnExec(fd)
	if err = SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, err
	}
	return fd, FromSockaddr(sa), nil
}
