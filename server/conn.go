package server

import (
	"net/netip"
	"time"

	"github.com/legamerdc/evloop"
	"github.com/legamerdc/evloop/internal/netutil"
	"github.com/legamerdc/evloop/internal/ring"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// ConnState 连接状态
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// readChunk 单次 read 使用的临时缓冲大小
const readChunk = 64 << 10

// Conn 是一条已接受的 TCP 连接，固定属于一个 EventLoop。
// Send 与 Close 可以在任意 goroutine 上调用，其余状态只在所属 loop 上访问。
type Conn struct {
	id    uint64
	name  string
	srv   *Server
	loop  *evloop.EventLoop
	sock  *netutil.Socket
	ch    *evloop.Channel
	local netip.AddrPort
	peer  netip.AddrPort
	log   zerolog.Logger

	state atomic.Int32

	input   *ring.Buffer
	readBuf []byte
	// 发送队列
	wq   [][]byte
	wpos int

	destroyed bool
	done      chan struct{}

	context any
}

func newConn(srv *Server, loop *evloop.EventLoop, id uint64, name string, fd int, local, peer netip.AddrPort) *Conn {
	c := &Conn{
		id:      id,
		name:    name,
		srv:     srv,
		loop:    loop,
		sock:    netutil.NewSocket(fd),
		local:   local,
		peer:    peer,
		log:     loop.Logger().With().Str("conn", name).Logger(),
		input:   ring.New(srv.cfg.ReadBufferSize),
		readBuf: make([]byte, readChunk),
		done:    make(chan struct{}),
	}
	c.ch = evloop.NewChannel(loop, fd)
	c.ch.SetReadCallback(c.handleRead)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetCloseCallback(c.handleClose)
	c.ch.SetErrorCallback(c.handleError)
	if srv.cfg.NoDelay {
		if err := c.sock.SetNoDelay(true); err != nil {
			c.log.Warn().Err(err).Msg("set no delay")
		}
	}
	if err := c.sock.SetKeepAlive(true); err != nil {
		c.log.Warn().Err(err).Msg("set keepalive")
	}
	if n := srv.cfg.SocketRecvBuffer; n > 0 {
		if err := c.sock.SetRecvBuf(n); err != nil {
			c.log.Warn().Err(err).Msg("set recv buffer")
		}
	}
	if n := srv.cfg.SocketSendBuffer; n > 0 {
		if err := c.sock.SetSendBuf(n); err != nil {
			c.log.Warn().Err(err).Msg("set send buffer")
		}
	}
	return c
}

func (c *Conn) ID() uint64                { return c.id }
func (c *Conn) Name() string              { return c.name }
func (c *Conn) Loop() *evloop.EventLoop   { return c.loop }
func (c *Conn) LocalAddr() netip.AddrPort { return c.local }
func (c *Conn) PeerAddr() netip.AddrPort  { return c.peer }
func (c *Conn) State() ConnState          { return ConnState(c.state.Load()) }
func (c *Conn) Connected() bool           { return c.State() == StateConnected }

// SetContext 保存调用方的连接级数据，只应在所属 loop 上访问。
func (c *Conn) SetContext(v any) { c.context = v }
func (c *Conn) Context() any     { return c.context }

// Done 在连接的 fd 关闭后关闭。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send 发送 p。跨 goroutine 调用时会先拷贝 p。
func (c *Conn) Send(p []byte) {
	if c.State() != StateConnected || len(p) == 0 {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(p)
		return
	}
	data := append([]byte(nil), p...)
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
}

// Shutdown 在发送队列写完后关闭写端，读端保持打开直到对端关闭。
func (c *Conn) Shutdown() {
	if c.state.CAS(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Conn) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.ch.IsWriting() {
		return
	}
	if err := c.sock.ShutdownWrite(); err != nil {
		c.log.Error().Err(err).Msg("shutdown write")
	}
}

// Close 立即关闭连接，未发送完的数据被丢弃。
func (c *Conn) Close() {
	if c.State() == StateDisconnected {
		return
	}
	c.loop.QueueInLoop(c.handleClose)
}

func (c *Conn) connectEstablished() {
	c.loop.AssertInLoopThread()
	if !c.state.CAS(int32(StateConnecting), int32(StateConnected)) {
		return
	}
	evloop.Tie(c.ch, c)
	if err := c.ch.EnableReading(); err != nil {
		c.log.Error().Err(err).Msg("enable reading")
		c.handleClose()
		return
	}
	c.log.Debug().Stringer("peer", c.peer).Msg("connection up")
	c.srv.handler.OnConnection(c)
}

func (c *Conn) sendInLoop(p []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		c.log.Warn().Msg("disconnected, give up writing")
		return
	}
	if !c.ch.IsWriting() && c.wpos == len(c.wq) {
		n, err := unix.Write(c.sock.FD(), p)
		if err != nil && err != unix.EAGAIN {
			c.log.Error().Err(err).Msg("write")
			if err == unix.EPIPE || err == unix.ECONNRESET {
				c.handleClose()
			}
			return
		}
		if n > 0 {
			p = p[n:]
		}
		if len(p) == 0 {
			return
		}
	}
	c.wq = append(c.wq, append([]byte(nil), p...))
	if !c.ch.IsWriting() {
		if err := c.ch.EnableWriting(); err != nil {
			c.log.Error().Err(err).Msg("enable writing")
		}
	}
}

func (c *Conn) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	peerClosed := false
	for {
		n, err := unix.Read(c.sock.FD(), c.readBuf)
		if n > 0 {
			if _, werr := c.input.Write(c.readBuf[:n]); werr != nil {
				c.log.Error().Err(werr).Msg("input buffer")
				c.handleClose()
				return
			}
			if n == len(c.readBuf) {
				continue
			}
			break
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("read")
		}
		// n == 0 为对端关闭
		peerClosed = true
		break
	}
	if c.input.Len() > 0 {
		c.srv.handler.OnMessage(c, c.input, receiveTime)
	}
	if peerClosed {
		c.handleClose()
	}
}

func (c *Conn) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.ch.IsWriting() {
		return
	}
	for c.wpos < len(c.wq) {
		b := c.wq[c.wpos]
		n, err := unix.Write(c.sock.FD(), b)
		if n > 0 {
			if n == len(b) {
				c.wq[c.wpos] = nil
				c.wpos++
				continue
			}
			c.wq[c.wpos] = b[n:]
			return
		}
		if err == unix.EAGAIN {
			return
		}
		c.log.Error().Err(err).Msg("write")
		c.handleClose()
		return
	}
	// 全部写完，关闭写关注
	c.wq = c.wq[:0]
	c.wpos = 0
	if err := c.ch.DisableWriting(); err != nil {
		c.log.Error().Err(err).Msg("disable writing")
	}
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

func (c *Conn) handleError() {
	err := netutil.SocketError(c.sock.FD())
	c.log.Error().Err(err).Msg("socket error")
}

func (c *Conn) handleClose() {
	c.loop.AssertInLoopThread()
	if !c.markDisconnected() {
		return
	}
	c.log.Debug().Msg("connection down")
	c.srv.removeConnection(c)
}

// markDisconnected 切换到断开状态并注销读写关注，只有连接建立过才回调 OnClose。
func (c *Conn) markDisconnected() bool {
	prev := ConnState(c.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return false
	}
	if c.loop.HasChannel(c.ch) {
		if err := c.ch.DisableAll(); err != nil {
			c.log.Error().Err(err).Msg("disable channel")
		}
	}
	if prev == StateConnected || prev == StateDisconnecting {
		c.srv.handler.OnClose(c)
	}
	return true
}

// connectDestroyed 注销 Channel 并关闭 fd，每条连接只执行一次。
func (c *Conn) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.markDisconnected()
	if c.loop.HasChannel(c.ch) {
		if err := c.ch.Remove(); err != nil {
			c.log.Error().Err(err).Msg("remove channel")
		}
	}
	if err := c.sock.Close(); err != nil {
		c.log.Error().Err(err).Msg("close socket")
	}
	c.wq = nil
	close(c.done)
}
