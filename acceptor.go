package evloop

import (
	"net/netip"
	"time"

	"github.com/legamerdc/evloop/internal/netutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback 接收新连接，fd 的所有权转移给回调。
type NewConnectionCallback func(fd int, peer netip.AddrPort)

// Acceptor 在 loop 上监听并接受 TCP 连接。
//
// 每次可读只 accept 一个连接。进程 fd 用尽（EMFILE/ENFILE）时，释放预留的空闲 fd，
// 接受并立即关闭一个连接后再重新预留，避免监听 fd 在电平触发下持续就绪。
type Acceptor struct {
	loop          *EventLoop
	sock          *netutil.Socket
	channel       *Channel
	log           zerolog.Logger
	idleFd        int
	listening     bool
	newConnection NewConnectionCallback

	accept func(listenfd int) (int, netip.AddrPort, error)
}

func NewAcceptor(loop *EventLoop, addr netip.AddrPort, reusePort bool) (*Acceptor, error) {
	if !addr.IsValid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "listen address %s", addr)
	}
	idle, err := openIdleFd()
	if err != nil {
		return nil, err
	}
	sock, err := netutil.NewListenSocket(addr, reusePort)
	if err != nil {
		_ = unix.Close(idle)
		return nil, err
	}
	a := &Acceptor{
		loop:   loop,
		sock:   sock,
		log:    loop.log.With().Str("component", "acceptor").Stringer("addr", addr).Logger(),
		idleFd: idle,
		accept: netutil.Accept,
	}
	a.channel = NewChannel(loop, sock.FD())
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFd() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "open /dev/null")
	}
	return fd, nil
}

// SetNewConnectionCallback 未设置回调时新连接会被直接关闭。
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) { a.newConnection = cb }

func (a *Acceptor) Listening() bool { return a.listening }

// Listen 必须在 loop 的 goroutine 上调用。
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	if err := a.sock.Listen(); err != nil {
		return err
	}
	a.listening = true
	return a.channel.EnableReading()
}

// Addr 返回实际绑定的地址，端口 0 会被解析为内核分配的端口。
func (a *Acceptor) Addr() netip.AddrPort {
	addr, err := a.sock.LocalAddr()
	if err != nil {
		a.log.Error().Err(err).Msg("local addr")
	}
	return addr
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	connfd, peer, err := a.accept(a.sock.FD())
	if err == nil {
		if a.newConnection != nil {
			a.newConnection(connfd, peer)
			return
		}
		if err = netutil.Close(connfd); err != nil {
			a.log.Error().Err(err).Msg("close unhandled connection")
		}
		return
	}
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	a.log.Error().Err(err).Msg("accept")
	if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
		a.shedConnection()
	}
}

// shedConnection 借用空闲 fd 接受一个连接并立即关闭。
func (a *Acceptor) shedConnection() {
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	if fd, _, err := a.accept(a.sock.FD()); err == nil {
		_ = unix.Close(fd)
	} else {
		a.log.Error().Err(err).Msg("accept into reserved descriptor")
	}
	fd, err := openIdleFd()
	if err != nil {
		a.log.Error().Err(err).Msg("reserve idle descriptor")
		return
	}
	a.idleFd = fd
}

// Close 注销监听 Channel 并关闭监听 socket 与空闲 fd，必须在 loop 的 goroutine 上调用。
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	var first error
	if a.channel.addedToLoop {
		if err := a.channel.DisableAll(); err != nil {
			first = err
		}
		if err := a.channel.Remove(); err != nil && first == nil {
			first = err
		}
	}
	a.listening = false
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	if err := a.sock.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
