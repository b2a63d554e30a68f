// Package poller 提供就绪事件多路复用的后端抽象。
//
// 后端只负责登记 Channel 并报告就绪的 Channel，回调的分发由 EventLoop 完成。
// UpdateChannel/RemoveChannel 只能在所属 loop 的 goroutine 上调用，后端自身不加锁。
package poller

import (
	"strings"
	"time"
)

// Event 为就绪/关注事件位掩码，取值与 Linux poll(2)/epoll(7) 一致。
type Event uint32

const (
	EventNone  Event = 0
	EventIn    Event = 0x001
	EventPri   Event = 0x002
	EventOut   Event = 0x004
	EventErr   Event = 0x008
	EventHup   Event = 0x010
	EventNval  Event = 0x020
	EventRdHup Event = 0x2000

	// EventRead 为读关注（普通数据 + 紧急数据）
	EventRead = EventIn | EventPri
	// EventWrite 为写关注
	EventWrite = EventOut
)

// String 以 "IN PRI OUT" 的形式输出位掩码，用于 trace 日志。
func (e Event) String() string {
	if e == EventNone {
		return "NONE"
	}
	var names []string
	for _, f := range eventNames {
		if e&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, " ")
}

var eventNames = [...]struct {
	bit  Event
	name string
}{
	{EventIn, "IN"},
	{EventPri, "PRI"},
	{EventOut, "OUT"},
	{EventHup, "HUP"},
	{EventRdHup, "RDHUP"},
	{EventErr, "ERR"},
	{EventNval, "NVAL"},
}

// Channel 是后端所需的登记记录视图。
// Index 由后端私有使用：新建时为 -1，之后的含义由具体后端决定。
type Channel interface {
	FD() int
	Events() Event
	SetRevents(Event)
	Index() int
	SetIndex(int)
}

// Poller 是可替换的就绪事件后端。
type Poller interface {
	// Poll 最多阻塞 timeout（<0 表示无限），把就绪的 Channel 追加到 active 后返回。
	// 被信号打断（EINTR）时返回 nil 错误且不追加任何 Channel。
	Poll(timeout time.Duration, active []Channel) (now time.Time, _ []Channel, err error)
	// UpdateChannel 新增或修改关注事件。
	UpdateChannel(ch Channel) error
	// RemoveChannel 注销 Channel，要求其关注事件已经全部关闭。
	RemoveChannel(ch Channel) error
	HasChannel(ch Channel) bool
	Close() error
}

// timeoutMillis 将 Duration 转换为 poll/epoll 的毫秒超时，向上取整避免提前返回空转。
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	const maxInt32 = 1<<31 - 1
	if ms > maxInt32 {
		return maxInt32
	}
	return int(ms)
}
