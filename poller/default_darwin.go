//go:build darwin

package poller

// NewDefault 在 darwin 上只有 poll(2) 后端。
func NewDefault() (Poller, error) {
	return NewPoll(), nil
}
