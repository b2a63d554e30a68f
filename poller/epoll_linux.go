//go:build linux

package poller

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epoll 后端下 Channel.Index 表示登记状态
const (
	stateNew     = -1
	stateAdded   = 1
	stateDeleted = 2
)

const initEventListSize = 16

// epollPoller 基于 epoll(7)，水平触发。
// 关闭全部关注时直接 EPOLL_CTL_DEL，但保留 fd->Channel 映射直到 RemoveChannel。
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Channel
}

// NewEpoll 创建 epoll 后端。
func NewEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]Channel),
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration, active []Channel) (time.Time, []Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active, nil
		}
		return now, active, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(Event(ev.Events))
		active = append(active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return now, active, nil
}

func (p *epollPoller) UpdateChannel(ch Channel) error {
	fd := ch.FD()
	switch idx := ch.Index(); idx {
	case stateNew, stateDeleted:
		if idx == stateNew {
			if _, ok := p.channels[fd]; ok {
				return errors.Wrapf(ErrChannelExists, "fd=%d", fd)
			}
			p.channels[fd] = ch
		} else if cur, ok := p.channels[fd]; !ok || cur != ch {
			return errors.Wrapf(ErrChannelNotFound, "fd=%d", fd)
		}
		if err := p.ctl(unix.EPOLL_CTL_ADD, ch); err != nil {
			if idx == stateNew {
				delete(p.channels, fd)
			}
			return err
		}
		ch.SetIndex(stateAdded)
		return nil
	case stateAdded:
		if cur, ok := p.channels[fd]; !ok || cur != ch {
			return errors.Wrapf(ErrChannelNotFound, "fd=%d", fd)
		}
		if ch.Events() == EventNone {
			if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}
			ch.SetIndex(stateDeleted)
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	default:
		return errors.Wrapf(ErrBadIndex, "fd=%d index=%d", fd, idx)
	}
}

func (p *epollPoller) RemoveChannel(ch Channel) error {
	fd := ch.FD()
	if cur, ok := p.channels[fd]; !ok || cur != ch {
		return errors.Wrapf(ErrChannelNotFound, "fd=%d", fd)
	}
	if ch.Events() != EventNone {
		return errors.Wrapf(ErrChannelActive, "fd=%d events=%s", fd, ch.Events())
	}
	delete(p.channels, fd)
	var err error
	if ch.Index() == stateAdded {
		err = p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetIndex(stateNew)
	return err
}

func (p *epollPoller) HasChannel(ch Channel) bool {
	cur, ok := p.channels[ch.FD()]
	return ok && cur == ch
}

func (p *epollPoller) Close() error {
	p.channels = nil
	return errors.Wrap(unix.Close(p.epfd), "close epoll fd")
}

func (p *epollPoller) ctl(op int, ch Channel) error {
	ev := &unix.EpollEvent{Events: uint32(ch.Events()), Fd: int32(ch.FD())}
	if op == unix.EPOLL_CTL_DEL {
		ev = nil
	}
	if err := unix.EpollCtl(p.epfd, op, ch.FD(), ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl op=%s fd=%d", opString(op), ch.FD())
	}
	return nil
}

func opString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	default:
		return "unknown"
	}
}
