//go:build !linux

package evloop

func newTimerfd() (timerSource, error) { return nil, ErrPlatformNotSupported }

func createEventfd() (int, error) { return -1, ErrPlatformNotSupported }

func writeEventfd(int) error { return ErrPlatformNotSupported }

func readEventfd(int) error { return ErrPlatformNotSupported }
