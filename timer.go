package evloop

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var timersCreated atomic.Int64

// NumTimersCreated 返回进程内创建过的定时器总数。
func NumTimersCreated() int64 { return timersCreated.Load() }

type timer struct {
	callback   Task
	expiration time.Time
	interval   time.Duration
	repeat     bool
	seq        int64
	slot       uint32

	index    int  // 在 timerHeap 中的下标，不在堆中时为 -1
	queued   bool // 已分配 TimerID，插入任务尚未在 loop 上执行
	canceled bool
}

func newTimer(cb Task, when time.Time, interval time.Duration) *timer {
	return &timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		seq:        timersCreated.Inc(),
		index:      -1,
		queued:     true,
	}
}

// restart 周期定时器以 now 为基准重新计算到期时间，非周期定时器的到期时间置零。
func (t *timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
		return
	}
	t.expiration = time.Time{}
}

// TimerID 是定时器的不透明句柄，可以跨 goroutine 传递。
// 零值不对应任何定时器；已经销毁的定时器对应的 TimerID 永远失效，Cancel 时为空操作。
type TimerID struct {
	slot uint32
	gen  uint32
	seq  int64
}

func (id TimerID) IsZero() bool { return id.seq == 0 }

func (id TimerID) String() string {
	return fmt.Sprintf("timer#%d(slot=%d,gen=%d)", id.seq, id.slot, id.gen)
}

type timerSlot struct {
	timer *timer
	gen   uint32
}

// timerTable 是带代数的槽位表，TimerID 通过 (slot, gen, seq) 定位存活的定时器。
// 分配发生在任意 goroutine 上，因此由 mu 保护。
type timerTable struct {
	mu    sync.Mutex
	slots []timerSlot
	free  []uint32
	live  int
}

func (tt *timerTable) alloc(t *timer) TimerID {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var idx uint32
	if n := len(tt.free); n > 0 {
		idx = tt.free[n-1]
		tt.free = tt.free[:n-1]
	} else {
		idx = uint32(len(tt.slots))
		tt.slots = append(tt.slots, timerSlot{})
	}
	s := &tt.slots[idx]
	s.timer = t
	t.slot = idx
	tt.live++
	return TimerID{slot: idx, gen: s.gen, seq: t.seq}
}

func (tt *timerTable) lookup(id TimerID) *timer {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if int(id.slot) >= len(tt.slots) {
		return nil
	}
	s := tt.slots[id.slot]
	if s.gen != id.gen || s.timer == nil || s.timer.seq != id.seq {
		return nil
	}
	return s.timer
}

// release 销毁定时器并使槽位代数加一，旧 TimerID 随之失效。
func (tt *timerTable) release(t *timer) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	s := &tt.slots[t.slot]
	if s.timer != t {
		return
	}
	s.timer = nil
	s.gen++
	tt.free = append(tt.free, t.slot)
	tt.live--
}

func (tt *timerTable) len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.live
}

// timerHeap 按 (expiration, seq) 排序的最小堆，seq 区分到期时间相同的定时器。
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.expiration.Equal(b.expiration) {
		return a.seq < b.seq
	}
	return a.expiration.Before(b.expiration)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
