//go:build linux || darwin

package poller

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller 基于 poll(2) 的参考实现。
//
// pollfds 与 channels 平行维护：新 Channel 追加到数组末尾并把下标缓存在 Channel 上，
// 之后的修改为 O(1)。关闭全部关注时不立即压缩数组，而是把 fd 记为 -fd-1 使其失效，
// 保持下标稳定；注销时与末尾元素交换后弹出。
type pollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]Channel
}

// NewPoll 创建 poll(2) 后端。
func NewPoll() Poller {
	return &pollPoller{channels: make(map[int]Channel)}
}

func (p *pollPoller) Poll(timeout time.Duration, active []Channel) (time.Time, []Channel, error) {
	n, err := unix.Poll(p.pollfds, timeoutMillis(timeout))
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active, nil
		}
		return now, active, errors.Wrap(err, "poll")
	}
	if n > 0 {
		active = p.fillActiveChannels(n, active)
	}
	return now, active, nil
}

func (p *pollPoller) fillActiveChannels(n int, active []Channel) []Channel {
	for i := 0; i < len(p.pollfds) && n > 0; i++ {
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			// 失效条目不会被 poll 报告，走到这里说明数组与映射已不一致
			continue
		}
		ch.SetRevents(Event(uint16(pfd.Revents)))
		pfd.Revents = 0
		active = append(active, ch)
	}
	return active
}

func (p *pollPoller) UpdateChannel(ch Channel) error {
	fd := ch.FD()
	if ch.Index() < 0 {
		if _, ok := p.channels[fd]; ok {
			return errors.Wrapf(ErrChannelExists, "fd=%d", fd)
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd), Events: int16(ch.Events())})
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
		return nil
	}
	if cur, ok := p.channels[fd]; !ok || cur != ch {
		return errors.Wrapf(ErrChannelNotFound, "fd=%d", fd)
	}
	idx := ch.Index()
	if idx >= len(p.pollfds) {
		return errors.Wrapf(ErrBadIndex, "fd=%d index=%d", fd, idx)
	}
	pfd := &p.pollfds[idx]
	pfd.Fd = int32(fd)
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.Events() == EventNone {
		// -fd-1 而不是 -fd：fd 为 0 时同样能失效
		pfd.Fd = int32(-fd - 1)
	}
	return nil
}

func (p *pollPoller) RemoveChannel(ch Channel) error {
	fd := ch.FD()
	if cur, ok := p.channels[fd]; !ok || cur != ch {
		return errors.Wrapf(ErrChannelNotFound, "fd=%d", fd)
	}
	if ch.Events() != EventNone {
		return errors.Wrapf(ErrChannelActive, "fd=%d events=%s", fd, ch.Events())
	}
	idx := ch.Index()
	if idx < 0 || idx >= len(p.pollfds) {
		return errors.Wrapf(ErrBadIndex, "fd=%d index=%d", fd, idx)
	}
	delete(p.channels, fd)

	last := len(p.pollfds) - 1
	if idx != last {
		p.pollfds[idx], p.pollfds[last] = p.pollfds[last], p.pollfds[idx]
		movedFd := int(p.pollfds[idx].Fd)
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		p.channels[movedFd].SetIndex(idx)
	}
	p.pollfds = p.pollfds[:last]
	ch.SetIndex(-1)
	return nil
}

func (p *pollPoller) HasChannel(ch Channel) bool {
	cur, ok := p.channels[ch.FD()]
	return ok && cur == ch
}

func (p *pollPoller) Close() error {
	p.pollfds = nil
	p.channels = nil
	return nil
}
