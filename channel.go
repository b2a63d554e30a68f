package evloop

import (
	"runtime"
	"time"
	"weak"

	"github.com/legamerdc/evloop/poller"
)

// ReadEventCallback 可读回调，参数为本轮 poll 返回的时间。
type ReadEventCallback func(receiveTime time.Time)

// EventCallback 写、关闭、错误回调。
type EventCallback func()

// Channel 把一个 fd 的关注事件与回调绑定到某个 EventLoop 上。
//
// Channel 不拥有 fd，关闭 fd 由创建者负责。除 FD 等只读访问外，所有方法只能在所属 loop 的 goroutine 上调用。
// 销毁前必须 DisableAll 并 Remove。
type Channel struct {
	loop    *EventLoop
	fd      int
	events  poller.Event
	revents poller.Event
	index   int
	logHup  bool

	tie           func() any
	tied          bool
	eventHandling bool
	addedToLoop   bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

var _ poller.Channel = (*Channel)(nil)

// NewChannel 创建未登记的 Channel。
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  -1,
		logHup: true,
	}
}

func (c *Channel) FD() int                   { return c.fd }
func (c *Channel) Events() poller.Event      { return c.events }
func (c *Channel) Revents() poller.Event     { return c.revents }
func (c *Channel) SetRevents(r poller.Event) { c.revents = r }
func (c *Channel) Index() int                { return c.index }
func (c *Channel) SetIndex(idx int)          { c.index = idx }
func (c *Channel) OwnerLoop() *EventLoop     { return c.loop }

func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback)    { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback)    { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback)    { c.errorCallback = cb }

// DoNotLogHup 关闭挂断时的 warn 日志。
func (c *Channel) DoNotLogHup() { c.logHup = false }

func (c *Channel) IsNoneEvent() bool { return c.events == poller.EventNone }
func (c *Channel) IsWriting() bool   { return c.events&poller.EventWrite != 0 }
func (c *Channel) IsReading() bool   { return c.events&poller.EventRead != 0 }

func (c *Channel) EnableReading() error {
	c.events |= poller.EventRead
	return c.update()
}

func (c *Channel) DisableReading() error {
	c.events &^= poller.EventRead
	return c.update()
}

func (c *Channel) EnableWriting() error {
	c.events |= poller.EventWrite
	return c.update()
}

func (c *Channel) DisableWriting() error {
	c.events &^= poller.EventWrite
	return c.update()
}

func (c *Channel) DisableAll() error {
	c.events = poller.EventNone
	return c.update()
}

func (c *Channel) update() error {
	if err := c.loop.UpdateChannel(c); err != nil {
		return err
	}
	c.addedToLoop = true
	return nil
}

// Remove 从 loop 注销，调用前关注事件必须已经清空。
func (c *Channel) Remove() error {
	if err := c.loop.RemoveChannel(c); err != nil {
		return err
	}
	c.addedToLoop = false
	return nil
}

// Tie 把 Channel 绑定到 owner：分发事件前先取 owner 的强引用，owner 已被回收时本次事件直接丢弃。
func Tie[T any](c *Channel, owner *T) {
	wp := weak.Make(owner)
	c.tie = func() any {
		if p := wp.Value(); p != nil {
			return p
		}
		return nil
	}
	c.tied = true
}

// EventsString 返回关注事件的可读形式。
func (c *Channel) EventsString() string { return c.events.String() }

// ReventsString 返回就绪事件的可读形式。
func (c *Channel) ReventsString() string { return c.revents.String() }

// HandleEvent 按 revents 分发回调，由 EventLoop 在所属 goroutine 上调用。
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		guard := c.tie()
		if guard == nil {
			return
		}
		defer runtime.KeepAlive(guard)
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	log := c.loop.log
	if e := log.Trace(); e.Enabled() {
		e.Int("fd", c.fd).Stringer("revents", c.revents).Msg("channel event")
	}

	if c.revents&poller.EventHup != 0 && c.revents&poller.EventIn == 0 {
		if c.logHup {
			log.Warn().Int("fd", c.fd).Msg("channel hang up")
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&(poller.EventIn|poller.EventPri|poller.EventRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&poller.EventOut != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
	if c.revents&poller.EventNval != 0 {
		log.Warn().Int("fd", c.fd).Msg("channel fd not open")
	}
	if c.revents&(poller.EventErr|poller.EventNval) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
}
