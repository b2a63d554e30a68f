package evloop

import "github.com/pkg/errors"

var (
	// ErrPlatformNotSupported 非 Linux 平台缺少 eventfd/timerfd
	ErrPlatformNotSupported = errors.New("evloop: platform not supported (requires Linux eventfd/timerfd)")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("evloop: invalid argument")

	// ErrNotInLoopThread 在非所属 goroutine 上操作 loop 的内部状态，属于调用方的编程错误
	ErrNotInLoopThread = errors.New("evloop: not in loop goroutine")

	// ErrContractViolation 误用 loop 的登记表，例如把 Channel 交给别的 loop，或在分发期间注销其他就绪的 Channel
	ErrContractViolation = errors.New("evloop: contract violation")

	// ErrLoopRunning loop 正在运行
	ErrLoopRunning = errors.New("evloop: loop is running")

	// ErrClosed 对象已关闭
	ErrClosed = errors.New("evloop: closed")
)

// isContractViolation 判断 panic 值是否为调用方的编程错误，这类 panic 不应被吞掉。
func isContractViolation(v any) bool {
	err, ok := v.(error)
	return ok && (errors.Is(err, ErrNotInLoopThread) || errors.Is(err, ErrContractViolation))
}
