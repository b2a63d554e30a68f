package evloop

import "time"

// Clock 提供单调时间。time.Now 返回的值携带单调读数，Sub/Before 等比较不受墙钟调整影响。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
