//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type testChannel struct {
	fd      int
	events  Event
	revents Event
	index   int
}

func newTestChannel(fd int, events Event) *testChannel {
	return &testChannel{fd: fd, events: events, index: -1}
}

func (c *testChannel) FD() int            { return c.fd }
func (c *testChannel) Events() Event      { return c.events }
func (c *testChannel) SetRevents(e Event) { c.revents = e }
func (c *testChannel) Index() int         { return c.index }
func (c *testChannel) SetIndex(i int)     { c.index = i }

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollPoller_RegisterAppendsAndCachesIndex(t *testing.T) {
	p := NewPoll().(*pollPoller)
	chs := []*testChannel{
		newTestChannel(10, EventRead),
		newTestChannel(11, EventWrite),
		newTestChannel(12, EventRead|EventWrite),
	}
	for i, ch := range chs {
		require.NoError(t, p.UpdateChannel(ch))
		assert.Equal(t, i, ch.Index())
		assert.Equal(t, int32(ch.fd), p.pollfds[i].Fd)
		assert.True(t, p.HasChannel(ch))
	}
	require.Len(t, p.pollfds, 3)

	err := p.UpdateChannel(newTestChannel(11, EventRead))
	assert.True(t, errors.Is(err, ErrChannelExists))
}

func TestPollPoller_DisableMarksEntryInert(t *testing.T) {
	p := NewPoll().(*pollPoller)
	a := newTestChannel(0, EventRead)
	b := newTestChannel(7, EventRead)
	require.NoError(t, p.UpdateChannel(a))
	require.NoError(t, p.UpdateChannel(b))

	a.events = EventNone
	require.NoError(t, p.UpdateChannel(a))
	assert.Equal(t, 0, a.Index())
	assert.Equal(t, int32(-1), p.pollfds[0].Fd, "fd 0 must still become negative")
	require.Len(t, p.pollfds, 2)

	a.events = EventWrite
	require.NoError(t, p.UpdateChannel(a))
	assert.Equal(t, int32(0), p.pollfds[0].Fd)
	assert.Equal(t, int16(EventWrite), p.pollfds[0].Events)
}

func TestPollPoller_RemoveSwapsWithLast(t *testing.T) {
	p := NewPoll().(*pollPoller)
	a := newTestChannel(3, EventRead)
	b := newTestChannel(4, EventRead)
	c := newTestChannel(5, EventRead)
	for _, ch := range []*testChannel{a, b, c} {
		require.NoError(t, p.UpdateChannel(ch))
	}
	// 末尾元素先失效，检验交换时能还原负数 fd
	c.events = EventNone
	require.NoError(t, p.UpdateChannel(c))

	err := p.RemoveChannel(a)
	require.True(t, errors.Is(err, ErrChannelActive))

	a.events = EventNone
	require.NoError(t, p.UpdateChannel(a))
	require.NoError(t, p.RemoveChannel(a))

	assert.Len(t, p.pollfds, 2)
	assert.False(t, p.HasChannel(a))
	assert.NotContains(t, p.channels, 3)
	assert.Equal(t, -1, a.Index())
	assert.Equal(t, 0, c.Index(), "moved entry must get its index fixed")
	assert.Equal(t, int32(-5-1), p.pollfds[0].Fd)
	assert.Equal(t, 1, b.Index())

	require.NoError(t, p.RemoveChannel(c))
	assert.Len(t, p.pollfds, 1)
	assert.Equal(t, 0, b.Index())

	err = p.RemoveChannel(c)
	assert.True(t, errors.Is(err, ErrChannelNotFound))
}

func TestPollers_ReportReadiness(t *testing.T) {
	ep, err := NewEpoll()
	require.NoError(t, err)
	defer ep.Close()

	for name, p := range map[string]Poller{"poll": NewPoll(), "epoll": ep} {
		t.Run(name, func(t *testing.T) {
			r, w := newPipe(t)
			rc := newTestChannel(r, EventRead)
			require.NoError(t, p.UpdateChannel(rc))

			_, active, err := p.Poll(0, nil)
			require.NoError(t, err)
			assert.Empty(t, active)

			_, err = unix.Write(w, []byte("x"))
			require.NoError(t, err)

			_, active, err = p.Poll(time.Second, active[:0])
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Same(t, rc, active[0])
			assert.NotZero(t, rc.revents&EventIn)

			rc.events = EventNone
			require.NoError(t, p.UpdateChannel(rc))
			_, active, err = p.Poll(0, active[:0])
			require.NoError(t, err)
			assert.Empty(t, active, "inert channel must not be reported")

			require.NoError(t, p.RemoveChannel(rc))
			assert.False(t, p.HasChannel(rc))
		})
	}
}

func TestEpollPoller_HangupReported(t *testing.T) {
	p, err := NewEpoll()
	require.NoError(t, err)
	defer p.Close()

	r, w := newPipe(t)
	rc := newTestChannel(r, EventRead)
	require.NoError(t, p.UpdateChannel(rc))
	require.NoError(t, unix.Close(w))

	_, active, err := p.Poll(time.Second, nil)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotZero(t, rc.revents&EventHup)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "NONE", EventNone.String())
	assert.Equal(t, "IN PRI", EventRead.String())
	assert.Equal(t, "OUT HUP ERR", (EventOut | EventHup | EventErr).String())
}

func TestTimeoutMillis(t *testing.T) {
	assert.Equal(t, -1, timeoutMillis(-1))
	assert.Equal(t, 0, timeoutMillis(0))
	assert.Equal(t, 1, timeoutMillis(time.Microsecond))
	assert.Equal(t, 10, timeoutMillis(10*time.Millisecond))
	assert.Equal(t, 1<<31-1, timeoutMillis(time.Duration(1<<62)))
}
