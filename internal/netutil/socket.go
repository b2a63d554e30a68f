//go:build linux || darwin

// Package netutil 封装 evloop 用到的 socket 系统调用，地址统一使用 netip.AddrPort。
package netutil

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Socket 持有一个 socket fd，Close 负责关闭。
type Socket struct {
	fd int
}

func NewSocket(fd int) *Socket { return &Socket{fd: fd} }

func (s *Socket) FD() int { return s.fd }

// Listen 以 SOMAXCONN 为 backlog 开始监听。
func (s *Socket) Listen() error {
	return errors.Wrap(unix.Listen(s.fd, unix.SOMAXCONN), "listen")
}

func (s *Socket) Bind(addr netip.AddrPort) error {
	return errors.Wrapf(unix.Bind(s.fd, ToSockaddr(addr)), "bind %s", addr)
}

// Accept 接受一个连接，返回的 fd 为非阻塞且带 CLOEXEC。
func (s *Socket) Accept() (int, netip.AddrPort, error) {
	return Accept(s.fd)
}

// ShutdownWrite 半关闭，对端读到 EOF。
func (s *Socket) ShutdownWrite() error {
	return errors.Wrap(unix.Shutdown(s.fd, unix.SHUT_WR), "shutdown")
}

func (s *Socket) Close() error { return Close(s.fd) }

func (s *Socket) SetReuseAddr(on bool) error { return SetReuseAddr(s.fd, on) }
func (s *Socket) SetReusePort(on bool) error { return SetReusePort(s.fd, on) }
func (s *Socket) SetNoDelay(on bool) error   { return SetNoDelay(s.fd, on) }
func (s *Socket) SetKeepAlive(on bool) error { return SetKeepAlive(s.fd, on) }
func (s *Socket) SetRecvBuf(n int) error     { return SetRecvBuf(s.fd, n) }
func (s *Socket) SetSendBuf(n int) error     { return SetSendBuf(s.fd, n) }

func (s *Socket) LocalAddr() (netip.AddrPort, error) { return LocalAddr(s.fd) }

// NewListenSocket 创建非阻塞 socket，设置 SO_REUSEADDR 与可选的 SO_REUSEPORT 后绑定到 addr。
func NewListenSocket(addr netip.AddrPort, reusePort bool) (*Socket, error) {
	s, err := NewNonblockingSocket(FamilyOf(addr))
	if err != nil {
		return nil, err
	}
	if err = s.SetReuseAddr(true); err == nil && reusePort {
		err = s.SetReusePort(true)
	}
	if err == nil {
		err = s.Bind(addr)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func Close(fd int) error {
	return errors.Wrapf(unix.Close(fd), "close fd %d", fd)
}

func boolint(on bool) int {
	if on {
		return 1
	}
	return 0
}

func SetNonblock(fd int, nonblock bool) error {
	return errors.Wrap(unix.SetNonblock(fd, nonblock), "set nonblock")
}

func SetReusePort(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolint(on)), "SO_REUSEPORT")
}

func SetReuseAddr(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolint(on)), "SO_REUSEADDR")
}

func SetNoDelay(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolint(on)), "TCP_NODELAY")
}

func SetKeepAlive(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolint(on)), "SO_KEEPALIVE")
}

func SetRecvBuf(fd int, n int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n), "SO_RCVBUF")
}

func SetSendBuf(fd int, n int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n), "SO_SNDBUF")
}

// SocketError 读取并清除 SO_ERROR。
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "SO_ERROR")
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getsockname")
	}
	return FromSockaddr(sa), nil
}

func PeerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getpeername")
	}
	return FromSockaddr(sa), nil
}

// FamilyOf 返回地址族，IPv4 映射的 IPv6 地址按 IPv4 处理。
func FamilyOf(addr netip.AddrPort) int {
	if addr.Addr().Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func ToSockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// ResolveTCPAddr 解析 "host:port"，仅支持 tcp、tcp4、tcp6；host 为空时绑定到对应地址族的全部地址。
func ResolveTCPAddr(network, address string) (netip.AddrPort, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return netip.AddrPort{}, errors.Errorf("unsupported network %q", network)
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "resolve %s", address)
	}
	ap := addr.AddrPort()
	if ap.Addr().IsValid() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	unspecified := netip.IPv4Unspecified()
	if strings.HasSuffix(network, "6") {
		unspecified = netip.IPv6Unspecified()
	}
	return netip.AddrPortFrom(unspecified, ap.Port()), nil
}
