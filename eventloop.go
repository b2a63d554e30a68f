// Package evloop 实现 one loop per goroutine 的 Reactor。
//
// 每个 EventLoop 绑定到创建它的 goroutine，Loop 运行期间锁定在一个 OS 线程上。
// 跨 goroutine 的入口只有 RunInLoop、QueueInLoop、RunAt/RunAfter/RunEvery、Cancel 与 Quit，
// 其余方法都要求在所属 goroutine 上调用，违反时记录日志并 panic。
package evloop

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/legamerdc/evloop/poller"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Task 是投递到 loop 上执行的任务。
type Task func()

var loopSeq atomic.Uint64

type EventLoop struct {
	name  string
	gid   uint64
	log   zerolog.Logger
	clock Clock

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool
	iteration              atomic.Int64

	eventHandling  bool
	pollTimeout    time.Duration
	pollReturnTime time.Time

	poller         poller.Poller
	timers         *TimerQueue
	activeChannels []poller.Channel
	currentActive  *Channel

	wakeupChannel *Channel

	// mu 保护 wakeupFd、closed 与 pending，wakeupFd 在 Close 后为 -1
	mu       sync.Mutex
	wakeupFd int
	closed   bool
	pending  *queue.Queue
	spare    *queue.Queue
}

// New 创建 EventLoop 并绑定到当前 goroutine。
func New(opts ...Option) (*EventLoop, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.name == "" {
		o.name = fmt.Sprintf("loop-%d", loopSeq.Inc())
	}

	p, err := o.newPoller()
	if err != nil {
		return nil, errors.Wrap(err, "create poller")
	}
	wfd, err := createEventfd()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	gid := goroutineID()
	l := &EventLoop{
		name:        o.name,
		gid:         gid,
		log:         o.logger.With().Str("loop", o.name).Logger(),
		clock:       o.clock,
		pollTimeout: o.pollTimeout,
		poller:      p,
		wakeupFd:    wfd,
		pending:     queue.New(),
		spare:       queue.New(),
	}

	l.wakeupChannel = NewChannel(l, wfd)
	l.wakeupChannel.SetReadCallback(l.handleWakeup)
	if err = l.wakeupChannel.EnableReading(); err != nil {
		_ = unix.Close(wfd)
		_ = p.Close()
		return nil, errors.Wrap(err, "register wakeup channel")
	}

	src, err := o.newTimerSource()
	if err != nil {
		l.closeWakeup()
		_ = p.Close()
		return nil, err
	}
	if l.timers, err = newTimerQueue(l, src); err != nil {
		_ = src.close()
		l.closeWakeup()
		_ = p.Close()
		return nil, err
	}

	l.log.Debug().Uint64("goroutine", gid).Msg("event loop created")
	return l, nil
}

func (l *EventLoop) Name() string { return l.name }

// Loop 运行事件循环直到 Quit，只能在所属 goroutine 上调用且不能重入。
// Quit 之后 Loop 立即返回，loop 不能再次运行。
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	if l.looping.Swap(true) {
		panic(errors.Wrapf(ErrLoopRunning, "loop %s", l.name))
	}
	defer func() {
		l.eventHandling = false
		l.currentActive = nil
		l.looping.Store(false)
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.log.Debug().Msg("start looping")
	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		now, active, err := l.poller.Poll(l.nextPollTimeout(), l.activeChannels)
		l.activeChannels = active
		l.pollReturnTime = now
		l.iteration.Inc()
		if err != nil {
			l.log.Error().Err(err).Msg("poll")
		}
		if e := l.log.Trace(); e.Enabled() {
			e.Int("active", len(active)).Int64("iteration", l.iteration.Load()).Msg("poll returned")
		}

		l.eventHandling = true
		for _, ch := range l.activeChannels {
			c := ch.(*Channel)
			l.currentActive = c
			l.dispatch(c, now)
		}
		l.currentActive = nil
		l.eventHandling = false

		l.doPendingFunctors()
	}
	l.log.Debug().Msg("stop looping")
}

func (l *EventLoop) nextPollTimeout() time.Duration {
	d := l.pollTimeout
	if when, ok := l.timers.earliest(); ok {
		until := when.Sub(l.clock.Now())
		if until < 0 {
			until = 0
		}
		if until < d {
			d = until
		}
	}
	return d
}

// Quit 可以在任意 goroutine 上调用。
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		// 已关闭的 loop 不需要唤醒
		_ = l.wakeup()
	}
}

// RunInLoop 在所属 goroutine 上同步执行 task，否则排入队列。
func (l *EventLoop) RunInLoop(task Task) {
	if l.IsInLoopThread() {
		l.runTask(task)
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop 把 task 追加到队列，在本轮事件分发之后、下一次 poll 之前按 FIFO 执行。
// loop 已关闭时 task 被丢弃。
func (l *EventLoop) QueueInLoop(task Task) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Warn().Err(ErrClosed).Msg("task dropped")
		return
	}
	l.pending.Add(task)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		if err := l.wakeup(); err != nil && !errors.Is(err, ErrClosed) {
			l.log.Error().Err(err).Msg("wakeup")
		}
	}
}

// QueueSize 返回队列中待执行的任务数。
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// RunAt 在 when 执行 cb，可以在任意 goroutine 上调用。
func (l *EventLoop) RunAt(when time.Time, cb Task) TimerID {
	return l.timers.addTimer(cb, when, 0)
}

// RunAfter 在 delay 之后执行 cb。
func (l *EventLoop) RunAfter(delay time.Duration, cb Task) TimerID {
	return l.RunAt(l.clock.Now().Add(delay), cb)
}

// RunEvery 每隔 interval 执行一次 cb，首次在 interval 之后。
func (l *EventLoop) RunEvery(interval time.Duration, cb Task) TimerID {
	return l.timers.addTimer(cb, l.clock.Now().Add(interval), interval)
}

// Cancel 取消定时器，id 已失效时为空操作。
func (l *EventLoop) Cancel(id TimerID) {
	l.timers.cancel(id)
}

func (l *EventLoop) UpdateChannel(c *Channel) error {
	l.assertOwner(c)
	l.AssertInLoopThread()
	return l.poller.UpdateChannel(c)
}

// RemoveChannel 注销 Channel。分发事件期间只允许注销当前 Channel 或不在本轮就绪列表中的 Channel。
func (l *EventLoop) RemoveChannel(c *Channel) error {
	l.assertOwner(c)
	l.AssertInLoopThread()
	if l.eventHandling && l.currentActive != c {
		for _, ch := range l.activeChannels {
			if ch == poller.Channel(c) {
				panic(errors.Wrapf(ErrContractViolation, "remove active channel fd=%d while handling events", c.fd))
			}
		}
	}
	return l.poller.RemoveChannel(c)
}

func (l *EventLoop) HasChannel(c *Channel) bool {
	l.assertOwner(c)
	l.AssertInLoopThread()
	return l.poller.HasChannel(c)
}

func (l *EventLoop) assertOwner(c *Channel) {
	if c.loop != l {
		panic(errors.Wrapf(ErrContractViolation, "channel fd=%d belongs to loop %s, not %s", c.fd, c.loop.name, l.name))
	}
}

func (l *EventLoop) IsInLoopThread() bool { return goroutineID() == l.gid }

// AssertInLoopThread 不在所属 goroutine 上时记录日志并以 ErrNotInLoopThread panic。
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.abortNotInLoopThread()
	}
}

func (l *EventLoop) abortNotInLoopThread() {
	err := errors.Wrapf(ErrNotInLoopThread, "loop %s owned by goroutine %d, current goroutine %d",
		l.name, l.gid, goroutineID())
	l.log.WithLevel(zerolog.PanicLevel).Err(err).Msg("thread confinement violated")
	panic(err)
}

// Iteration 返回已完成的 poll 次数。
func (l *EventLoop) Iteration() int64 { return l.iteration.Load() }

// PollReturnTime 返回最近一次 poll 返回的时间，只应在 loop 的 goroutine 上读取。
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }

// EventHandling 报告 loop 是否正在分发 Channel 事件。
func (l *EventLoop) EventHandling() bool { return l.eventHandling }

// Clock 返回 loop 使用的时钟。
func (l *EventLoop) Clock() Clock { return l.clock }

// Logger 返回带 loop 字段的日志对象。
func (l *EventLoop) Logger() zerolog.Logger { return l.log }

// wakeup 持锁写 eventfd，避免 Close 之后写入被复用的 fd 编号。
func (l *EventLoop) wakeup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wakeupFd < 0 {
		return errors.Wrapf(ErrClosed, "wakeup loop %s", l.name)
	}
	return writeEventfd(l.wakeupFd)
}

func (l *EventLoop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// releaseWakeupFd 标记 loop 已关闭并交出 eventfd，之后的 wakeup 都是空操作。
func (l *EventLoop) releaseWakeupFd() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd := l.wakeupFd
	l.wakeupFd = -1
	l.closed = true
	l.pending = queue.New()
	return fd
}

func (l *EventLoop) handleWakeup(time.Time) {
	if err := readEventfd(l.wakeupChannel.FD()); err != nil {
		l.log.Error().Err(err).Msg("handle wakeup")
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)
	defer l.callingPendingFunctors.Store(false)

	l.mu.Lock()
	tasks := l.pending
	l.pending = l.spare
	l.mu.Unlock()

	for tasks.Length() > 0 {
		l.runTask(tasks.Remove().(Task))
	}
	l.spare = tasks
}

func (l *EventLoop) runTask(task Task) {
	defer l.recoverPanic("task")
	task()
}

func (l *EventLoop) dispatch(c *Channel, now time.Time) {
	defer l.recoverPanic("channel")
	c.HandleEvent(now)
}

// recoverPanic 吞掉回调中的 panic 并记录堆栈，线程约束被破坏的 panic 继续向上抛出。
func (l *EventLoop) recoverPanic(where string) {
	r := recover()
	if r == nil {
		return
	}
	if isContractViolation(r) {
		panic(r)
	}
	l.log.Error().
		Str("where", where).
		Interface("panic", r).
		Str("stack", string(debug.Stack())).
		Msg("recovered from panic")
}

func (l *EventLoop) closeWakeup() {
	_ = l.wakeupChannel.DisableAll()
	_ = l.wakeupChannel.Remove()
	_ = unix.Close(l.releaseWakeupFd())
}

// Close 释放定时器、唤醒 fd 与 poller，只能在所属 goroutine 上、Loop 返回之后调用。
func (l *EventLoop) Close() error {
	l.AssertInLoopThread()
	if l.looping.Load() {
		return errors.Wrapf(ErrLoopRunning, "close loop %s", l.name)
	}
	if l.isClosed() {
		return nil
	}
	wfd := l.releaseWakeupFd()

	first := l.timers.close()
	if err := l.wakeupChannel.DisableAll(); err != nil && first == nil {
		first = err
	}
	if err := l.wakeupChannel.Remove(); err != nil && first == nil {
		first = err
	}
	if err := unix.Close(wfd); err != nil && first == nil {
		first = errors.Wrap(err, "close eventfd")
	}
	if err := l.poller.Close(); err != nil && first == nil {
		first = err
	}
	l.log.Debug().Msg("event loop closed")
	return first
}
