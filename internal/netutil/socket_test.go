//go:build linux

package netutil

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSockaddrConversion(t *testing.T) {
	cases := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:80"),
		netip.MustParseAddrPort("[::1]:443"),
		netip.MustParseAddrPort("[::ffff:10.0.0.1]:8080"),
	}
	for _, ap := range cases {
		got := FromSockaddr(ToSockaddr(ap))
		assert.Equal(t, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), got, ap.String())
	}
	assert.Equal(t, unix.AF_INET, FamilyOf(cases[0]))
	assert.Equal(t, unix.AF_INET6, FamilyOf(cases[1]))
	assert.Equal(t, unix.AF_INET, FamilyOf(cases[2]))
}

func TestResolveTCPAddr(t *testing.T) {
	ap, err := ResolveTCPAddr("tcp", ":2007")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:2007"), ap)

	ap, err = ResolveTCPAddr("tcp6", ":2007")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("[::]:2007"), ap)

	ap, err = ResolveTCPAddr("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:0"), ap)

	_, err = ResolveTCPAddr("udp", ":53")
	assert.Error(t, err)
}

func TestListenSocket_AcceptsNonblockingConnections(t *testing.T) {
	s, err := NewListenSocket(netip.MustParseAddrPort("127.0.0.1:0"), true)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen())

	local, err := s.LocalAddr()
	require.NoError(t, err)
	require.NotZero(t, local.Port())

	_, _, err = s.Accept()
	assert.True(t, errors.Is(err, unix.EAGAIN))

	client, err := net.Dial("tcp", local.String())
	require.NoError(t, err)
	defer client.Close()

	var fd int
	var peer netip.AddrPort
	require.Eventually(t, func() bool {
		fd, peer, err = s.Accept()
		return err == nil
	}, 5*time.Second, time.Millisecond)
	defer Close(fd)

	assert.Equal(t, client.LocalAddr().String(), peer.String())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
	fdflags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, fdflags&unix.FD_CLOEXEC)

	require.NoError(t, SetNonblock(fd, false))
	flags, err = unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK)
	require.NoError(t, SetNonblock(fd, true))

	require.NoError(t, SetRecvBuf(fd, 64<<10))
	rcv, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rcv, 64<<10)
	require.NoError(t, SetSendBuf(fd, 64<<10))
	snd, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snd, 64<<10)

	gotPeer, err := PeerAddr(fd)
	require.NoError(t, err)
	assert.Equal(t, peer, gotPeer)
	assert.NoError(t, SocketError(fd))
	assert.NoError(t, SetNoDelay(fd, true))
	assert.NoError(t, SetKeepAlive(fd, true))
}
