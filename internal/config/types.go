package config

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 决定离线缓存层的行为：源站、版本标签、预缓存清单与缓存判定。
type SiteConfig struct {
	Origin                string   `mapstructure:"Origin"`
	CacheVersion          string   `mapstructure:"CacheVersion"`
	Precache              []string `mapstructure:"Precache"`
	PrecacheFile          string   `mapstructure:"PrecacheFile"`
	CacheableDestinations []string `mapstructure:"CacheableDestinations"`
	CacheableSuffixes     []string `mapstructure:"CacheableSuffixes"`
}

// Config 是 TOML 文件映射的整体结构，所有键都位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:",squash"`
}

// OriginURL 返回解析后的源站地址；Validate 通过后不会失败。
func (s SiteConfig) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimRight(s.Origin, "/"))
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// WorkerChanged 判断两次配置之间是否需要注册新的 worker。
func (s SiteConfig) WorkerChanged(other SiteConfig) bool {
	return s.Origin != other.Origin ||
		s.CacheVersion != other.CacheVersion ||
		!slices.Equal(s.Precache, other.Precache) ||
		!slices.Equal(s.CacheableDestinations, other.CacheableDestinations) ||
		!slices.Equal(s.CacheableSuffixes, other.CacheableSuffixes)
}
