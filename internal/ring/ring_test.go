package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RoundsUpToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 1, New(0).Cap())
	assert.Equal(t, 8, New(5).Cap())
	assert.Equal(t, 64, New(64).Cap())
}

func TestBuffer_WrapAround(t *testing.T) {
	b := New(8)
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, b.Discard(4))

	_, err = b.Write([]byte("ghijk"))
	require.NoError(t, err)
	assert.Equal(t, 8, b.Cap(), "fits without growing")
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, []byte("efghijk"), b.Peek(10))
	assert.Equal(t, []byte("efg"), b.Next(3))
	assert.Equal(t, []byte("hijk"), b.ReadAll())
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_GrowKeepsOrder(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("xyz"))
	b.Discard(2)
	_, _ = b.Write([]byte("012"))

	payload := bytes.Repeat([]byte("p"), 20)
	_, err := b.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 32, b.Cap())
	assert.Equal(t, append([]byte("z012"), payload...), b.ReadAll())
}

func TestBuffer_PeekUint32(t *testing.T) {
	b := New(4)
	_, ok := b.PeekUint32()
	assert.False(t, ok)

	_, _ = b.Write([]byte{0xff, 0xff, 0xff})
	b.Discard(3)
	_, _ = b.Write([]byte{0x00, 0x00, 0x01, 0x02})
	v, ok := b.PeekUint32()
	require.True(t, ok)
	assert.Equal(t, uint32(0x0102), v)
	assert.Equal(t, 4, b.Len())
}

func TestBuffer_GrowRejectsHugeSizes(t *testing.T) {
	b := New(4)
	assert.ErrorIs(t, b.Grow(MaxCapacity+1), ErrTooLarge)
}

func TestBuffer_FindCRLFAcrossWrap(t *testing.T) {
	b := New(8)
	assert.Equal(t, -1, b.FindCRLF())

	_, _ = b.Write([]byte("abcdef"))
	b.Discard(5)
	// "\r" 落在缓冲末尾，"\n" 回绕到开头
	_, _ = b.Write([]byte("g\r\nh"))
	assert.Equal(t, 8, b.Cap())
	assert.Equal(t, 2, b.FindCRLF())
	assert.Equal(t, []byte("fg"), b.Next(2))
	b.Discard(2)
	assert.Equal(t, -1, b.FindCRLF())
}
