//go:build linux

package poller

import "os"

// EnvUsePoll 非空时 NewDefault 使用 poll(2) 后端
const EnvUsePoll = "EVLOOP_USE_POLL"

// NewDefault 默认使用 epoll；设置 EVLOOP_USE_POLL 后退回 poll(2)。
func NewDefault() (Poller, error) {
	if os.Getenv(EnvUsePoll) != "" {
		return NewPoll(), nil
	}
	return NewEpoll()
}
