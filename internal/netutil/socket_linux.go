//go:build linux

package netutil

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewNonblockingSocket 创建非阻塞且带 CLOEXEC 的 TCP socket。
func NewNonblockingSocket(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	return &Socket{fd: fd}, nil
}

// Accept 调用 accept4(SOCK_NONBLOCK|SOCK_CLOEXEC)，错误保留原始 errno 以便 errors.Is 判断。
func Accept(listenfd int) (int, netip.AddrPort, error) {
	fd, sa, err := unix.Accept4(listenfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, errors.Wrap(err, "accept4")
	}
	return fd, FromSockaddr(sa), nil
}
