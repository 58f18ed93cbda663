package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest 是预缓存清单文件的结构：
//
//	assets:
//	  - /
//	  - /index.html
type Manifest struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest 读取 YAML 清单并返回按声明顺序排列的资源路径。
func LoadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预缓存清单失败: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("解析预缓存清单失败: %w", err)
	}
	assets := normalizeList(manifest.Assets, false)
	if len(assets) == 0 {
		return nil, newFieldError("PrecacheFile", "清单为空")
	}
	return assets, nil
}
