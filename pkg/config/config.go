package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 默认配置文件路径
const DefaultPath = "/etc/blksocks/config.yaml"

// 统计键
const (
	StatsKeyDestination = "destination"
	StatsKeySource      = "source"
)

// ==================== 配置结构 ====================

type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingConfig  `yaml:"logging"`
	Admin    AdminConfig    `yaml:"admin"`
}

type NetworkConfig struct {
	Listen         string `yaml:"listen"`
	Socks5         string `yaml:"socks5"`
	MaxConnections int64  `yaml:"max_connections"`

	// 仅用于调试：跳过 SO_ORIGINAL_DST，所有连接都转发到该地址
	StaticDestination string `yaml:"static_destination"`
}

type UpstreamConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	StrictReply      bool          `yaml:"strict_reply"`
}

type RelayConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type StatsConfig struct {
	Key            string        `yaml:"key"`
	MaxAge         time.Duration `yaml:"max_age"`
	ExpireInterval time.Duration `yaml:"expire_interval"`
	TopN           int           `yaml:"top_n"`
}

type LoggingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Level           string `yaml:"level"`
	Dir             string `yaml:"dir"`
	FileSizeLimitMB int    `yaml:"file_size_limit_mb"`
	RotateCount     int    `yaml:"rotate_count"`
}

type AdminConfig struct {
	Listen       string        `yaml:"listen"`
	Token        string        `yaml:"token"`
	PushInterval time.Duration `yaml:"push_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			StrictReply:      true,
		},
		Stats: StatsConfig{
			Key:            StatsKeyDestination,
			MaxAge:         7 * 24 * time.Hour,
			ExpireInterval: 24 * time.Hour,
			TopN:           80,
		},
		Logging: LoggingConfig{
			Enabled:         true,
			Level:           "info",
			Dir:             "/var/log/blksocks",
			FileSizeLimitMB: 2,
			RotateCount:     5,
		},
		Admin: AdminConfig{
			PushInterval: 5 * time.Second,
		},
	}
}

// Load 读取 YAML 配置，未出现的字段保持默认值
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.Network.Listen == "" {
		return errors.New("network.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Network.Listen); err != nil {
		return fmt.Errorf("invalid network.listen %q: %w", c.Network.Listen, err)
	}
	if c.Network.Socks5 == "" {
		return errors.New("network.socks5 is required")
	}
	if _, _, err := net.SplitHostPort(c.Network.Socks5); err != nil {
		return fmt.Errorf("invalid network.socks5 %q: %w", c.Network.Socks5, err)
	}
	if c.Network.StaticDestination != "" {
		if _, _, err := net.SplitHostPort(c.Network.StaticDestination); err != nil {
			return fmt.Errorf("invalid network.static_destination %q: %w", c.Network.StaticDestination, err)
		}
	}
	if c.Network.MaxConnections < 0 {
		c.Network.MaxConnections = 0
	}

	if c.Upstream.DialTimeout <= 0 {
		c.Upstream.DialTimeout = 10 * time.Second
	}
	if c.Upstream.HandshakeTimeout <= 0 {
		c.Upstream.HandshakeTimeout = 10 * time.Second
	}

	if c.Relay.IdleTimeout < 0 {
		c.Relay.IdleTimeout = 0
	}

	switch strings.ToLower(strings.TrimSpace(c.Stats.Key)) {
	case "", StatsKeyDestination:
		c.Stats.Key = StatsKeyDestination
	case StatsKeySource:
		c.Stats.Key = StatsKeySource
	default:
		return fmt.Errorf("invalid stats.key %q (want %s or %s)", c.Stats.Key, StatsKeyDestination, StatsKeySource)
	}
	if c.Stats.MaxAge <= 0 {
		c.Stats.MaxAge = 7 * 24 * time.Hour
	}
	if c.Stats.ExpireInterval <= 0 {
		c.Stats.ExpireInterval = 24 * time.Hour
	}
	if c.Stats.TopN <= 0 {
		c.Stats.TopN = 80
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "/var/log/blksocks"
	}
	if c.Logging.FileSizeLimitMB <= 0 {
		c.Logging.FileSizeLimitMB = 2
	}
	if c.Logging.RotateCount < 0 {
		c.Logging.RotateCount = 5
	}

	if c.Admin.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen %q: %w", c.Admin.Listen, err)
		}
	}
	if c.Admin.PushInterval <= 0 {
		c.Admin.PushInterval = 5 * time.Second
	}

	return nil
}
