package evloop

import "runtime"

// goroutineID 解析 runtime.Stack 的首行 "goroutine N [...]" 得到当前 goroutine 编号。
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
