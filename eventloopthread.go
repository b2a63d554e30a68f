package evloop

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ThreadInitCallback 在 loop 所属 goroutine 上、Loop 开始之前调用。
type ThreadInitCallback func(*EventLoop)

// EventLoopThread 在独立的 goroutine 上创建并运行一个 EventLoop。
type EventLoopThread struct {
	init ThreadInitCallback
	opts []Option

	started atomic.Bool
	done    chan struct{}

	mu   sync.Mutex
	loop *EventLoop
}

func NewEventLoopThread(init ThreadInitCallback, opts ...Option) *EventLoopThread {
	return &EventLoopThread{
		init: init,
		opts: opts,
		done: make(chan struct{}),
	}
}

type startResult struct {
	loop *EventLoop
	err  error
}

// StartLoop 启动 goroutine 并等待 loop 创建完成，只能调用一次。
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	if t.started.Swap(true) {
		return nil, errors.Wrap(ErrLoopRunning, "event loop thread already started")
	}
	ready := make(chan startResult, 1)
	go t.run(ready)
	res := <-ready
	return res.loop, res.err
}

func (t *EventLoopThread) run(ready chan<- startResult) {
	defer close(t.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop, err := New(t.opts...)
	if err != nil {
		ready <- startResult{err: err}
		return
	}
	if t.init != nil {
		t.init(loop)
	}
	t.mu.Lock()
	t.loop = loop
	t.mu.Unlock()
	ready <- startResult{loop: loop}

	loop.Loop()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	if err := loop.Close(); err != nil {
		loop.log.Error().Err(err).Msg("close event loop")
	}
}

// Stop 让 loop 退出并等待 goroutine 结束，loop 此时已经关闭。
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
	}
	if t.started.Load() {
		<-t.done
	}
}
