//go:build linux

package evloop

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/legamerdc/evloop/internal/netutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var loopback = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

type accepted struct {
	fd   int
	peer netip.AddrPort
}

func TestAcceptor_DeliversConnection(t *testing.T) {
	loop := startLoop(t)

	conns := make(chan accepted, 1)
	var acc *Acceptor
	runSync(t, loop, func() {
		var err error
		acc, err = NewAcceptor(loop, loopback, false)
		if !assert.NoError(t, err) {
			return
		}
		acc.SetNewConnectionCallback(func(fd int, peer netip.AddrPort) {
			conns <- accepted{fd: fd, peer: peer}
		})
		assert.NoError(t, acc.Listen())
		assert.True(t, acc.Listening())
	})
	require.NotNil(t, acc)
	t.Cleanup(func() { runSync(t, loop, func() { assert.NoError(t, acc.Close()) }) })

	addr := acc.Addr()
	require.NotZero(t, addr.Port())

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case c := <-conns:
		defer unix.Close(c.fd)
		assert.Equal(t, client.LocalAddr().String(), c.peer.String())
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		require.NoError(t, err)
		assert.NotZero(t, flags&unix.O_NONBLOCK)
	case <-time.After(waitTimeout):
		t.Fatal("connection not delivered")
	}
}

func TestAcceptor_ClosesConnectionWithoutCallback(t *testing.T) {
	loop := startLoop(t)

	var acc *Acceptor
	runSync(t, loop, func() {
		var err error
		acc, err = NewAcceptor(loop, loopback, false)
		if assert.NoError(t, err) {
			assert.NoError(t, acc.Listen())
		}
	})
	require.NotNil(t, acc)
	t.Cleanup(func() { runSync(t, loop, func() { assert.NoError(t, acc.Close()) }) })

	client, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// newIdleAcceptor 返回监听中但不运行 Loop 的 Acceptor，测试直接驱动 handleRead。
func newIdleAcceptor(t *testing.T) (*EventLoop, *Acceptor) {
	t.Helper()
	loop, err := New()
	require.NoError(t, err)
	acc, err := NewAcceptor(loop, loopback, false)
	require.NoError(t, err)
	require.NoError(t, acc.Listen())
	t.Cleanup(func() {
		assert.NoError(t, acc.Close())
		assert.NoError(t, loop.Close())
	})
	return loop, acc
}

func TestAcceptor_OneAcceptPerReadiness(t *testing.T) {
	_, acc := newIdleAcceptor(t)

	var got []accepted
	acc.SetNewConnectionCallback(func(fd int, peer netip.AddrPort) {
		got = append(got, accepted{fd, peer})
	})

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", acc.Addr().String())
		require.NoError(t, err)
		defer c.Close()
	}

	acc.handleRead(time.Now())
	require.Len(t, got, 1)
	acc.handleRead(time.Now())
	require.Len(t, got, 2)
	// 队列已空，EAGAIN 被静默忽略
	acc.handleRead(time.Now())
	require.Len(t, got, 2)
	for _, c := range got {
		_ = unix.Close(c.fd)
	}
}

func TestAcceptor_ShedsConnectionOnDescriptorExhaustion(t *testing.T) {
	_, acc := newIdleAcceptor(t)

	calls := 0
	acc.accept = func(fd int) (int, netip.AddrPort, error) {
		calls++
		if calls == 1 {
			return -1, netip.AddrPort{}, errors.Wrap(unix.EMFILE, "accept4")
		}
		return netutil.Accept(fd)
	}
	delivered := false
	acc.SetNewConnectionCallback(func(fd int, _ netip.AddrPort) {
		delivered = true
		_ = unix.Close(fd)
	})

	client, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	acc.handleRead(time.Now())
	assert.Equal(t, 2, calls)
	assert.False(t, delivered)
	assert.GreaterOrEqual(t, acc.idleFd, 0)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcceptor_RejectsInvalidAddress(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	_, err = NewAcceptor(loop, netip.AddrPort{}, false)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
