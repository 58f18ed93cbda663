package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/talintel/sitecache/internal/cache"
)

const supportedBackendList = "fs|leveldb|memory"

var supportedBackends = map[string]struct{}{
	string(cache.BackendFS):      {},
	string(cache.BackendLevelDB): {},
	string(cache.BackendMemory):  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.StoragePath == "" && g.StorageBackend != string(cache.BackendMemory) {
		return newFieldError("StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("LogMaxBackups", "不能为负数")
	}

	s := c.Site
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := cache.ValidateName(s.CacheVersion); err != nil {
		return newFieldError("CacheVersion", "只能包含字母、数字、点、下划线与连字符")
	}
	for i, p := range s.Precache {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(indexedField("Precache", i), "必须以 / 开头")
		}
		if strings.Contains(p, "#") {
			return newFieldError(indexedField("Precache", i), "不允许包含 fragment")
		}
	}
	for i, suffix := range s.CacheableSuffixes {
		if !strings.HasPrefix(suffix, ".") {
			return newFieldError(indexedField("CacheableSuffixes", i), "必须以 . 开头")
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询或 fragment: %s", raw)
	}
	// 代理按请求路径原样映射到源站根目录，不支持子路径前缀。
	if strings.Trim(parsed.Path, "/") != "" {
		return fmt.Errorf("源站只能是站点根地址，不支持路径 %s: %s", parsed.Path, raw)
	}
	return nil
}
