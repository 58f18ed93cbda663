package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath 是未通过参数或环境变量指定时使用的配置文件。
const DefaultPath = "config.toml"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper 创建绑定到配置文件的 viper 实例并完成首次读取。
func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

// decode 把 viper 中的当前内容映射为 Config，并完成默认值、清单与校验处理。
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site)

	if cfg.Site.PrecacheFile != "" {
		manifestPath := cfg.Site.PrecacheFile
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(filepath.Dir(v.ConfigFileUsed()), manifestPath)
		}
		manifestPath, err := filepath.Abs(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析预缓存清单路径: %w", err)
		}
		assets, err := LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		cfg.Site.PrecacheFile = manifestPath
		cfg.Site.Precache = assets
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", "fs")
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheVersion", DefaultCacheVersion)
	v.SetDefault("Precache", DefaultPrecache)
	v.SetDefault("CacheableDestinations", DefaultCacheableDestinations)
	v.SetDefault("CacheableSuffixes", DefaultCacheableSuffixes)
}

// 默认值与线上站点保持一致。
var (
	DefaultCacheVersion          = "talintel-v1"
	DefaultPrecache              = []string{"/", "/index.html", "/favicon-32x32.png"}
	DefaultCacheableDestinations = []string{"style", "script", "image", "font"}
	DefaultCacheableSuffixes     = []string{".woff", ".woff2", ".ttf"}
)

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = "fs"
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Origin = strings.TrimSpace(s.Origin)
	s.CacheVersion = strings.TrimSpace(s.CacheVersion)
	if s.CacheVersion == "" {
		s.CacheVersion = DefaultCacheVersion
	}
	s.Precache = normalizeList(s.Precache, false)
	s.CacheableDestinations = normalizeList(s.CacheableDestinations, true)
	s.CacheableSuffixes = normalizeList(s.CacheableSuffixes, true)
}

// normalizeList 返回去除空白（可选转小写）后的副本，避免改写共享的默认切片。
func normalizeList(list []string, lower bool) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		item = strings.TrimSpace(item)
		if lower {
			item = strings.ToLower(item)
		}
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
