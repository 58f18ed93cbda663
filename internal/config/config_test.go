package config

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StorageBackend != "fs" {
		t.Fatalf("StorageBackend 默认应为 fs, got %s", cfg.Global.StorageBackend)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if !slices.Equal(cfg.Site.Precache, DefaultPrecache) {
		t.Fatalf("Precache 应使用默认清单: %v", cfg.Site.Precache)
	}
	if !slices.Equal(cfg.Site.CacheableDestinations, DefaultCacheableDestinations) {
		t.Fatalf("CacheableDestinations 默认值错误: %v", cfg.Site.CacheableDestinations)
	}
	if !slices.Equal(cfg.Site.CacheableSuffixes, DefaultCacheableSuffixes) {
		t.Fatalf("CacheableSuffixes 默认值错误: %v", cfg.Site.CacheableSuffixes)
	}
	if !cfg.Global.LogCompress || cfg.Global.LogMaxSize != 100 || cfg.Global.LogMaxBackups != 10 {
		t.Fatalf("日志轮转默认值错误: %+v", cfg.Global)
	}
}

func TestLoadManifestFile(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "manifest.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	want := []string{"/", "/index.html", "/favicon-32x32.png", "/assets/index.css"}
	if !slices.Equal(cfg.Site.Precache, want) {
		t.Fatalf("清单文件应覆盖 Precache: %v", cfg.Site.Precache)
	}
	if cfg.Global.StorageBackend != "leveldb" {
		t.Fatalf("StorageBackend 解析错误: %s", cfg.Global.StorageBackend)
	}
	if !filepath.IsAbs(cfg.Site.PrecacheFile) {
		t.Fatalf("PrecacheFile 应相对配置文件解析: %s", cfg.Site.PrecacheFile)
	}
	wantPath, err := filepath.Abs(filepath.Join("testdata", "manifest.yaml"))
	if err != nil {
		t.Fatalf("Abs 失败: %v", err)
	}
	if cfg.Site.PrecacheFile != wantPath {
		t.Fatalf("PrecacheFile 期望 %s，得到 %s", wantPath, cfg.Site.PrecacheFile)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Global.StorageBackend = "redis" }, "StorageBackend"},
		{"zero timeout", func(c *Config) { c.Global.UpstreamTimeout = 0 }, "UpstreamTimeout"},
		{"unsafe version", func(c *Config) { c.Site.CacheVersion = "../talintel" }, "CacheVersion"},
		{"relative precache", func(c *Config) { c.Site.Precache = []string{"/", "index.html"} }, "Precache[1]"},
		{"suffix without dot", func(c *Config) { c.Site.CacheableSuffixes = []string{"woff"} }, "CacheableSuffixes[0]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"https ok", "https://talintel.ai", false},
		{"http with port ok", "http://127.0.0.1:8080", false},
		{"missing", "", true},
		{"ftp", "ftp://talintel.ai", true},
		{"no host", "https://", true},
		{"query", "https://talintel.ai/?a=1", true},
		{"trailing slash ok", "https://talintel.ai/", false},
		{"sub path", "https://talintel.ai/site", true},
		{"sub path with slash", "https://talintel.ai/site/", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Site.Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestMemoryBackendAllowsEmptyStoragePath(t *testing.T) {
	cfg := validConfig()
	cfg.Global.StorageBackend = "memory"
	cfg.Global.StoragePath = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory 后端不需要 StoragePath: %v", err)
	}
}

func TestWorkerChanged(t *testing.T) {
	base := validConfig().Site
	if base.WorkerChanged(validConfig().Site) {
		t.Fatalf("相同配置不应触发重新注册")
	}
	next := validConfig().Site
	next.CacheVersion = "talintel-v2"
	if !base.WorkerChanged(next) {
		t.Fatalf("版本变化应触发重新注册")
	}
	next = validConfig().Site
	next.Precache = append(next.Precache, "/about.html")
	if !base.WorkerChanged(next) {
		t.Fatalf("清单变化应触发重新注册")
	}
}

func TestOriginURLTrimsTrailingSlash(t *testing.T) {
	site := SiteConfig{Origin: "https://talintel.ai/"}
	u, err := site.OriginURL()
	if err != nil {
		t.Fatalf("OriginURL 返回错误: %v", err)
	}
	if u.String() != "https://talintel.ai" {
		t.Fatalf("unexpected origin %s", u)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StorageBackend:  "fs",
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Site: SiteConfig{
			Origin:                "https://talintel.ai",
			CacheVersion:          "talintel-v1",
			Precache:              []string{"/", "/index.html", "/favicon-32x32.png"},
			CacheableDestinations: []string{"style", "script", "image", "font"},
			CacheableSuffixes:     []string{".woff", ".woff2", ".ttf"},
		},
	}
}
