package server

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/legamerdc/evloop"
	"github.com/legamerdc/evloop/internal/ring"
	"github.com/pkg/errors"
)

// Buffer 是连接的输入缓冲。
type Buffer = ring.Buffer

// Handler 接收连接事件，所有回调都在连接所属 loop 的 goroutine 上执行。
type Handler interface {
	OnConnection(c *Conn)
	// OnMessage 在输入缓冲有新数据时调用，未消费的数据保留到下一次回调。
	OnMessage(c *Conn, buf *Buffer, receiveTime time.Time)
	OnClose(c *Conn)
}

// Config 为 TCP 服务配置，可以从 TOML 文件加载。
type Config struct {
	Network        string `toml:"network"`
	Address        string `toml:"address"`
	ReusePort      bool   `toml:"reuse_port"`
	NumLoops       int    `toml:"num_loops"`
	NoDelay        bool   `toml:"no_delay"`
	ReadBufferSize int    `toml:"read_buffer_size"`
	// SocketRecvBuffer/SocketSendBuffer 设置 SO_RCVBUF/SO_SNDBUF，0 表示使用内核默认值
	SocketRecvBuffer int `toml:"socket_recv_buffer"`
	SocketSendBuffer int `toml:"socket_send_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Network:        "tcp",
		Address:        ":2007",
		NumLoops:       0,
		NoDelay:        true,
		ReadBufferSize: 4 << 10,
	}
}

// LoadConfig 在默认配置上覆盖文件中出现的字段。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Wrapf(evloop.ErrInvalidArgument, "unknown config keys %v", undecoded)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return errors.Wrapf(evloop.ErrInvalidArgument, "network %q", c.Network)
	}
	if c.NumLoops < 0 {
		return errors.Wrapf(evloop.ErrInvalidArgument, "num_loops %d", c.NumLoops)
	}
	if c.ReadBufferSize <= 0 || c.ReadBufferSize > ring.MaxCapacity {
		return errors.Wrapf(evloop.ErrInvalidArgument, "read_buffer_size %d", c.ReadBufferSize)
	}
	if c.SocketRecvBuffer < 0 {
		return errors.Wrapf(evloop.ErrInvalidArgument, "socket_recv_buffer %d", c.SocketRecvBuffer)
	}
	if c.SocketSendBuffer < 0 {
		return errors.Wrapf(evloop.ErrInvalidArgument, "socket_send_buffer %d", c.SocketSendBuffer)
	}
	return nil
}
