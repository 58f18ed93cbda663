package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更。viper 重新读取文件后重新解析，并把结果交给 onChange；
// 解析或校验失败时 cfg 为 nil，调用方应继续沿用旧配置。
func Watch(path string, onChange func(cfg *Config, err error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}
