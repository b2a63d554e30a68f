package poller

import "github.com/pkg/errors"

var (
	// ErrChannelExists 同一 fd 重复登记
	ErrChannelExists = errors.New("poller: channel already registered")
	// ErrChannelNotFound 修改或注销未登记的 Channel
	ErrChannelNotFound = errors.New("poller: channel not registered")
	// ErrChannelActive 注销前未关闭全部关注事件
	ErrChannelActive = errors.New("poller: channel still has interest enabled")
	// ErrBadIndex Channel 缓存的下标与后端状态不一致
	ErrBadIndex = errors.New("poller: channel index out of range")
)
