package evloop

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// EventLoopThreadPool 持有 n 个 EventLoopThread，按轮询或哈希为连接选择 loop。
// 除 Stop 外的方法都只能在 base loop 的 goroutine 上调用。
type EventLoopThreadPool struct {
	base       *EventLoop
	name       string
	numThreads int
	opts       []Option

	started bool
	next    int
	threads []*EventLoopThread
	loops   []*EventLoop
}

// NewEventLoopThreadPool n 为 0 时所有连接都落在 base loop 上。
func NewEventLoopThreadPool(base *EventLoop, n int, opts ...Option) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		base:       base,
		name:       base.name,
		numThreads: n,
		opts:       opts,
	}
}

func (p *EventLoopThreadPool) Started() bool { return p.started }

// Start 并发启动所有线程，任一失败时停止已启动的线程并返回第一个错误。
func (p *EventLoopThreadPool) Start(init ThreadInitCallback) error {
	p.base.AssertInLoopThread()
	if p.started {
		return errors.Wrap(ErrLoopRunning, "thread pool already started")
	}
	if p.numThreads < 0 {
		return errors.Wrapf(ErrInvalidArgument, "thread num %d", p.numThreads)
	}

	threads := make([]*EventLoopThread, p.numThreads)
	loops := make([]*EventLoop, p.numThreads)
	var g errgroup.Group
	for i := range threads {
		opts := make([]Option, 0, len(p.opts)+1)
		opts = append(opts, p.opts...)
		opts = append(opts, WithName(fmt.Sprintf("%s-%d", p.name, i)))
		t := NewEventLoopThread(init, opts...)
		threads[i] = t
		g.Go(func() error {
			loop, err := t.StartLoop()
			loops[i] = loop
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range threads {
			t.Stop()
		}
		return errors.Wrap(err, "start thread pool")
	}

	p.threads = threads
	p.loops = loops
	p.started = true
	if p.numThreads == 0 && init != nil {
		init(p.base)
	}
	return nil
}

// NextLoop 轮询返回下一个 loop。
func (p *EventLoopThreadPool) NextLoop() *EventLoop {
	p.base.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.base
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// LoopForHash 同一个 hash 总是映射到同一个 loop。
func (p *EventLoopThreadPool) LoopForHash(hash uint64) *EventLoop {
	p.base.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.base
	}
	return p.loops[hash%uint64(len(p.loops))]
}

func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	p.base.AssertInLoopThread()
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop 依次停止所有线程并等待其 loop 关闭。
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
