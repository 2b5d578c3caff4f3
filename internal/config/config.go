package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 是应用配置的根结构体
type Config struct {
	Version   string          `mapstructure:"version" yaml:"version"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Host      HostConfig      `mapstructure:"host" yaml:"host"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Watcher   WatcherConfig   `mapstructure:"watcher" yaml:"watcher"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
}

// BackendConfig 后端连接配置
type BackendConfig struct {
	Host  string `mapstructure:"host" yaml:"host"`   // host[:port] of the CacheDB API
	TLS   bool   `mapstructure:"tls" yaml:"tls"`     // wss:// when true, ws:// otherwise
	Token string `mapstructure:"token" yaml:"token"` // optional token to log in with at startup
}

// URL returns the WebSocket endpoint of the backend API.
func (c BackendConfig) URL() string {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/v1", scheme, c.Host)
}

// HostConfig 本地共享进程配置
type HostConfig struct {
	Listen            string        `mapstructure:"listen" yaml:"listen"`
	Port              int           `mapstructure:"port" yaml:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// DeadClientThreshold is how long a tab may stay silent before it is
// presumed gone.
func (c HostConfig) DeadClientThreshold() time.Duration {
	return 2*c.HeartbeatInterval + 10*time.Second
}

// SweepInterval is the period of the liveness sweep.
func (c HostConfig) SweepInterval() time.Duration {
	return c.DeadClientThreshold() + 60*time.Second
}

// TransportConfig 重连策略配置
type TransportConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"` // 0 表示不设上限
	DecayAfter   time.Duration `mapstructure:"decay_after" yaml:"decay_after"`
}

// WatcherConfig 订阅复用配置
type WatcherConfig struct {
	Budget          int           `mapstructure:"budget" yaml:"budget"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
}

// CacheConfig 实体缓存配置
type CacheConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Persist        bool          `mapstructure:"persist" yaml:"persist"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("CACHEDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path returns the config file path of the last Load call.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	// 0600: the file may carry the backend token
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
