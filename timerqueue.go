package evloop

import (
	"container/heap"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// minArmDelay 是 OS 定时器的最短相对触发时间
const minArmDelay = 100 * time.Microsecond

// timerSource 是 OS 定时器的抽象，Linux 上为 timerfd。
type timerSource interface {
	fd() int
	// arm 设置一次性触发，d 为相对时间。
	arm(d time.Duration) error
	disarm() error
	// drain 读出到期计数，无可读数据时返回 0。
	drain() (uint64, error)
	close() error
}

// TimerQueue 管理一个 loop 上的全部定时器，只用一个 OS 定时器，总是设置为最早的到期时间。
// 添加与取消可以在任意 goroutine 上调用，其余操作都在 loop 的 goroutine 上完成。
type TimerQueue struct {
	loop    *EventLoop
	source  timerSource
	channel *Channel
	log     zerolog.Logger

	timers timerHeap
	table  timerTable

	callingExpiredTimers bool
	cancelingTimers      map[int64]struct{}

	// armedFor 为 OS 定时器当前对应的到期时间，零值表示未设置
	armedFor time.Time
}

func newTimerQueue(loop *EventLoop, source timerSource) (*TimerQueue, error) {
	tq := &TimerQueue{
		loop:            loop,
		source:          source,
		channel:         NewChannel(loop, source.fd()),
		log:             loop.log.With().Str("component", "timerqueue").Logger(),
		cancelingTimers: make(map[int64]struct{}),
	}
	tq.channel.SetReadCallback(tq.handleRead)
	if err := tq.channel.EnableReading(); err != nil {
		return nil, errors.Wrap(err, "register timer channel")
	}
	return tq, nil
}

// addTimer 分配 TimerID 并把插入动作交给 loop。
func (tq *TimerQueue) addTimer(cb Task, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	id := tq.table.alloc(t)
	tq.loop.RunInLoop(func() { tq.addTimerInLoop(t) })
	return id
}

func (tq *TimerQueue) cancel(id TimerID) {
	tq.loop.RunInLoop(func() { tq.cancelInLoop(id) })
}

func (tq *TimerQueue) addTimerInLoop(t *timer) {
	tq.loop.AssertInLoopThread()
	if t.canceled {
		t.queued = false
		tq.table.release(t)
		return
	}
	tq.insert(t)
	tq.rearm()
}

func (tq *TimerQueue) cancelInLoop(id TimerID) {
	tq.loop.AssertInLoopThread()
	t := tq.table.lookup(id)
	if t == nil {
		return
	}
	switch {
	case t.index >= 0:
		heap.Remove(&tq.timers, t.index)
		tq.table.release(t)
		tq.rearm()
	case t.queued:
		// 插入任务还在队列中
		t.canceled = true
	case tq.callingExpiredTimers:
		tq.cancelingTimers[t.seq] = struct{}{}
	}
}

func (tq *TimerQueue) insert(t *timer) {
	t.queued = false
	heap.Push(&tq.timers, t)
}

// rearm 让 OS 定时器与堆顶保持一致，堆为空时关闭。
func (tq *TimerQueue) rearm() {
	if len(tq.timers) == 0 {
		if !tq.armedFor.IsZero() {
			if err := tq.source.disarm(); err != nil {
				tq.log.Error().Err(err).Msg("disarm timer")
			}
			tq.armedFor = time.Time{}
		}
		return
	}
	next := tq.timers[0].expiration
	if next.Equal(tq.armedFor) {
		return
	}
	d := next.Sub(tq.loop.clock.Now())
	if d < minArmDelay {
		d = minArmDelay
	}
	if err := tq.source.arm(d); err != nil {
		tq.log.Error().Err(err).Dur("after", d).Msg("arm timer")
	}
	tq.armedFor = next
}

func (tq *TimerQueue) handleRead(time.Time) {
	tq.loop.AssertInLoopThread()
	now := tq.loop.clock.Now()
	n, err := tq.source.drain()
	if err != nil {
		tq.log.Error().Err(err).Msg("read timer")
	} else if e := tq.log.Trace(); e.Enabled() {
		e.Uint64("expirations", n).Msg("timer fired")
	}
	// 一次性定时器触发后即处于未设置状态
	tq.armedFor = time.Time{}
	tq.processExpired(now)
}

func (tq *TimerQueue) processExpired(now time.Time) {
	expired := tq.getExpired(now)

	tq.callingExpiredTimers = true
	clear(tq.cancelingTimers)
	for _, t := range expired {
		tq.loop.runTask(t.callback)
	}
	tq.callingExpiredTimers = false

	tq.reset(expired, now)
}

// getExpired 弹出所有 expiration <= now 的定时器，等价于以 (now, 最大 seq) 为哨兵取下界。
func (tq *TimerQueue) getExpired(now time.Time) []*timer {
	var expired []*timer
	for len(tq.timers) > 0 && !tq.timers[0].expiration.After(now) {
		expired = append(expired, heap.Pop(&tq.timers).(*timer))
	}
	return expired
}

func (tq *TimerQueue) reset(expired []*timer, now time.Time) {
	for _, t := range expired {
		_, canceled := tq.cancelingTimers[t.seq]
		if t.repeat && !canceled {
			t.restart(now)
			tq.insert(t)
			continue
		}
		tq.table.release(t)
	}
	tq.rearm()
}

// earliest 返回最早的到期时间。
func (tq *TimerQueue) earliest() (time.Time, bool) {
	if len(tq.timers) == 0 {
		return time.Time{}, false
	}
	return tq.timers[0].expiration, true
}

// Len 返回堆中等待触发的定时器数量。
func (tq *TimerQueue) Len() int { return len(tq.timers) }

func (tq *TimerQueue) close() error {
	for _, t := range tq.timers {
		t.index = -1
		tq.table.release(t)
	}
	tq.timers = nil
	tq.armedFor = time.Time{}

	var first error
	if err := tq.channel.DisableAll(); err != nil {
		first = err
	}
	if err := tq.channel.Remove(); err != nil && first == nil {
		first = err
	}
	if err := tq.source.close(); err != nil && first == nil {
		first = errors.Wrap(err, "close timer source")
	}
	return first
}
