// Package ring 提供连接输入缓冲使用的环形字节缓冲。
package ring

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxCapacity 为单个缓冲允许增长到的最大容量
const MaxCapacity = 1 << 30

var ErrTooLarge = errors.New("ring: buffer too large")

// Buffer 容量总是 2 的幂次，空间不足时按 2 倍扩容。
// 不加锁，只在所属 loop 的 goroutine 上使用。
type Buffer struct {
	buf  []byte
	mask int
	r, w int
}

// New 返回容量不小于 capacity 的缓冲。
func New(capacity int) *Buffer {
	n := roundPow2(capacity)
	return &Buffer{buf: make([]byte, n), mask: n - 1}
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (b *Buffer) Cap() int  { return len(b.buf) }
func (b *Buffer) Len() int  { return b.w - b.r }
func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Grow 保证至少还能写入 n 字节。
func (b *Buffer) Grow(n int) error {
	if n <= b.Free() {
		return nil
	}
	need := b.Len() + n
	if need > MaxCapacity {
		return errors.Wrapf(ErrTooLarge, "need %d bytes", need)
	}
	nb := make([]byte, roundPow2(need))
	ln := b.copyOut(nb)
	b.buf, b.mask = nb, len(nb)-1
	b.r, b.w = 0, ln
	return nil
}

// Write 追加数据，必要时扩容。
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Grow(len(p)); err != nil {
		return 0, err
	}
	start := b.w & b.mask
	if n := copy(b.buf[start:], p); n < len(p) {
		copy(b.buf, p[n:])
	}
	b.w += len(p)
	return len(p), nil
}

// copyOut 把可读数据按顺序拷贝到 dst，返回拷贝的字节数。
func (b *Buffer) copyOut(dst []byte) int {
	ln := b.Len()
	if ln > len(dst) {
		ln = len(dst)
	}
	start := b.r & b.mask
	n := copy(dst[:ln], b.buf[start:])
	if n < ln {
		copy(dst[n:ln], b.buf)
	}
	return ln
}

// Peek 返回最多 n 字节但不前进读指针。数据跨越缓冲末尾时返回拷贝，否则返回内部切片。
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	if ln := b.Len(); n > ln {
		n = ln
	}
	start := b.r & b.mask
	if start+n <= len(b.buf) {
		return b.buf[start : start+n]
	}
	out := make([]byte, n)
	b.copyOut(out)
	return out
}

// PeekUint32 以大端序读取开头 4 字节，不足 4 字节时 ok 为 false。
func (b *Buffer) PeekUint32() (v uint32, ok bool) {
	if b.Len() < 4 {
		return 0, false
	}
	var hdr [4]byte
	b.copyOut(hdr[:])
	return binary.BigEndian.Uint32(hdr[:]), true
}

// FindCRLF 返回第一个 "\r\n" 相对读指针的偏移，没有时返回 -1。
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(b.Len()), crlf)
}

var crlf = []byte("\r\n")

// Discard 前进读指针，返回实际丢弃的字节数。
func (b *Buffer) Discard(n int) int {
	if ln := b.Len(); n > ln {
		n = ln
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return n
}

// Next 取出 n 字节的拷贝并前进读指针。
func (b *Buffer) Next(n int) []byte {
	if ln := b.Len(); n > ln {
		n = ln
	}
	out := make([]byte, n)
	b.copyOut(out)
	b.Discard(n)
	return out
}

// ReadAll 取出全部可读数据。
func (b *Buffer) ReadAll() []byte { return b.Next(b.Len()) }

func (b *Buffer) Reset() { b.r, b.w = 0, 0 }
