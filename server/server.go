// Package server 在 evloop 之上实现多 loop 的 TCP 服务：
// Acceptor 运行在 base loop 上，新连接按轮询分配到线程池中的 loop。
package server

import (
	"fmt"
	"net/netip"

	"github.com/legamerdc/evloop"
	"github.com/legamerdc/evloop/internal/netutil"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

type Server struct {
	cfg     Config
	name    string
	addr    netip.AddrPort
	loop    *evloop.EventLoop
	handler Handler
	log     zerolog.Logger

	acceptor *evloop.Acceptor
	pool     *evloop.EventLoopThreadPool

	conns   cmap.ConcurrentMap[string, *Conn]
	nextID  uint64
	started atomic.Bool
	stopped bool
}

// New 创建服务，必须在 base loop 的 goroutine 上调用。opts 用于线程池中的每个 loop。
func New(loop *evloop.EventLoop, name string, cfg Config, h Handler, opts ...evloop.Option) (*Server, error) {
	loop.AssertInLoopThread()
	if h == nil {
		return nil, errors.Wrap(evloop.ErrInvalidArgument, "nil handler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := netutil.ResolveTCPAddr(cfg.Network, cfg.Address)
	if err != nil {
		return nil, err
	}
	acceptor, err := evloop.NewAcceptor(loop, addr, cfg.ReusePort)
	if err != nil {
		return nil, errors.Wrapf(err, "server %s", name)
	}

	s := &Server{
		cfg:      cfg,
		name:     name,
		loop:     loop,
		handler:  h,
		log:      loop.Logger().With().Str("server", name).Logger(),
		acceptor: acceptor,
		pool:     evloop.NewEventLoopThreadPool(loop, cfg.NumLoops, opts...),
		conns:    cmap.New[*Conn](),
	}
	s.addr = acceptor.Addr()
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *Server) Name() string { return s.name }

// Addr 返回监听地址，配置端口为 0 时为内核分配的端口。
func (s *Server) Addr() netip.AddrPort { return s.addr }

func (s *Server) Loop() *evloop.EventLoop { return s.loop }

// Start 启动线程池并开始监听，重复调用无效果。必须在 base loop 的 goroutine 上调用。
func (s *Server) Start() error {
	s.loop.AssertInLoopThread()
	if s.started.Swap(true) {
		return nil
	}
	if err := s.pool.Start(nil); err != nil {
		return err
	}
	if err := s.acceptor.Listen(); err != nil {
		s.pool.Stop()
		return errors.Wrapf(err, "server %s listen", s.name)
	}
	s.log.Info().Stringer("addr", s.addr).Int("loops", s.cfg.NumLoops).Msg("server started")
	return nil
}

// NumConnections 可以在任意 goroutine 上调用。
func (s *Server) NumConnections() int { return s.conns.Count() }

// Connections 返回当前连接的快照，可以在任意 goroutine 上调用。
func (s *Server) Connections() []*Conn {
	items := s.conns.Items()
	out := make([]*Conn, 0, len(items))
	for _, c := range items {
		out = append(out, c)
	}
	return out
}

// Conn 按名称查找连接。
func (s *Server) Conn(name string) (*Conn, bool) { return s.conns.Get(name) }

func (s *Server) newConnection(fd int, peer netip.AddrPort) {
	s.loop.AssertInLoopThread()
	ioLoop := s.pool.NextLoop()
	s.nextID++
	name := fmt.Sprintf("%s-%s#%d", s.name, s.addr, s.nextID)
	local, err := netutil.LocalAddr(fd)
	if err != nil {
		s.log.Warn().Err(err).Str("conn", name).Msg("local addr")
	}
	s.log.Info().Str("conn", name).Stringer("peer", peer).Msg("new connection")

	c := newConn(s, ioLoop, s.nextID, name, fd, local, peer)
	s.conns.Set(name, c)
	ioLoop.RunInLoop(c.connectEstablished)
}

// removeConnection 在连接所属 loop 上调用。
func (s *Server) removeConnection(c *Conn) {
	s.conns.Remove(c.name)
	c.loop.QueueInLoop(c.connectDestroyed)
}

// Stop 停止监听，关闭所有连接并等待其 fd 释放，随后停止线程池。必须在 base loop 的 goroutine 上调用。
func (s *Server) Stop() error {
	s.loop.AssertInLoopThread()
	if s.stopped {
		return nil
	}
	s.stopped = true

	err := s.acceptor.Close()
	var remote []*Conn
	for _, c := range s.Connections() {
		if c.loop == s.loop {
			c.handleClose()
			c.connectDestroyed()
			continue
		}
		c.Close()
		remote = append(remote, c)
	}
	for _, c := range remote {
		<-c.done
	}
	s.pool.Stop()
	s.log.Info().Msg("server stopped")
	return err
}
