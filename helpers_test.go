//go:build linux

package evloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const waitTimeout = 5 * time.Second

// startLoop 在独立 goroutine 上运行 loop，测试结束时停止。
func startLoop(t *testing.T, opts ...Option) *EventLoop {
	t.Helper()
	th := NewEventLoopThread(nil, opts...)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.Stop)
	return loop
}

// runSync 在 loop 上执行 fn 并等待完成。
func runSync(t *testing.T, loop *EventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.RunInLoop(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("task did not run in time")
	}
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeTimerSource 用 eventfd 充当可登记的 fd，只记录 arm/disarm 调用。
type fakeTimerSource struct {
	efd     int
	arms    []time.Duration
	disarms int
}

func (s *fakeTimerSource) fd() int { return s.efd }

func (s *fakeTimerSource) arm(d time.Duration) error {
	s.arms = append(s.arms, d)
	return nil
}

func (s *fakeTimerSource) disarm() error {
	s.disarms++
	return nil
}

func (s *fakeTimerSource) drain() (uint64, error) { return 1, nil }

func (s *fakeTimerSource) close() error { return unix.Close(s.efd) }

// newFakeTimerLoop 返回绑定到当前 goroutine、使用假时钟与假定时器的 loop。
func newFakeTimerLoop(t *testing.T) (*EventLoop, *fakeClock, *fakeTimerSource) {
	t.Helper()
	clock := newFakeClock()
	src := &fakeTimerSource{}
	loop, err := New(
		WithClock(clock),
		withTimerSource(func() (timerSource, error) {
			fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
			if err != nil {
				return nil, err
			}
			src.efd = fd
			return src, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop, clock, src
}
