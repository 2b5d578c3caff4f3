package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	viper.SetDefault("version", "1")

	// Backend 配置
	viper.SetDefault("backend.host", "localhost:8080")
	viper.SetDefault("backend.tls", false)
	viper.SetDefault("backend.token", "")

	// Host 配置
	viper.SetDefault("host.listen", "127.0.0.1")
	viper.SetDefault("host.port", 18790)
	viper.SetDefault("host.heartbeat_interval", 30*time.Second)

	// Transport 配置: 2^attempts * 1s, attempts decay after 10 minutes
	viper.SetDefault("transport.initial_delay", 1*time.Second)
	viper.SetDefault("transport.multiplier", 2.0)
	viper.SetDefault("transport.max_delay", time.Duration(0))
	viper.SetDefault("transport.decay_after", 10*time.Minute)

	// Watcher 配置
	viper.SetDefault("watcher.budget", 5)
	viper.SetDefault("watcher.response_timeout", 2*time.Second)

	// Cache 配置
	viper.SetDefault("cache.request_timeout", 10*time.Second)
	viper.SetDefault("cache.ttl", 24*time.Hour)
	viper.SetDefault("cache.persist", true)

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.path", "")
}
