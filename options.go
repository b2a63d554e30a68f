package evloop

import (
	"time"

	"github.com/legamerdc/evloop/poller"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultPollTimeout 无定时器时单次 poll 的最长阻塞时间
const DefaultPollTimeout = 10 * time.Second

type options struct {
	name           string
	logger         zerolog.Logger
	clock          Clock
	newPoller      func() (poller.Poller, error)
	newTimerSource func() (timerSource, error)
	pollTimeout    time.Duration
}

// Option 配置 EventLoop。
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error { return f(o) }

// WithName 设置 loop 名称，出现在日志的 loop 字段中。
func WithName(name string) Option {
	return optionFunc(func(o *options) error {
		o.name = name
		return nil
	})
}

// WithLogger 设置日志输出；默认 zerolog.Nop()，不配置时库不输出任何日志。
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(o *options) error {
		o.logger = logger
		return nil
	})
}

// WithClock 替换单调时钟，定时器的到期判断都基于它。
func WithClock(clock Clock) Option {
	return optionFunc(func(o *options) error {
		if clock == nil {
			return errors.Wrap(ErrInvalidArgument, "nil clock")
		}
		o.clock = clock
		return nil
	})
}

// WithPoller 指定就绪事件后端的构造函数，默认 poller.NewDefault。
func WithPoller(newPoller func() (poller.Poller, error)) Option {
	return optionFunc(func(o *options) error {
		if newPoller == nil {
			return errors.Wrap(ErrInvalidArgument, "nil poller constructor")
		}
		o.newPoller = newPoller
		return nil
	})
}

// WithPollTimeout 设置无定时器时单次 poll 的最长阻塞时间。
func WithPollTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) error {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidArgument, "poll timeout %s", d)
		}
		o.pollTimeout = d
		return nil
	})
}

func withTimerSource(newSource func() (timerSource, error)) Option {
	return optionFunc(func(o *options) error {
		o.newTimerSource = newSource
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	o := &options{
		logger:         zerolog.Nop(),
		clock:          systemClock{},
		newPoller:      poller.NewDefault,
		newTimerSource: newTimerfd,
		pollTimeout:    DefaultPollTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
