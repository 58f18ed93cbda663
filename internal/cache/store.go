package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// Storage 管理按版本命名的缓存代（generation），语义对齐浏览器 CacheStorage：
//
//	Open   打开（必要时创建）指定名称的缓存代
//	Lookup 打开已存在的缓存代，不存在时返回 ErrNotFound 且不创建
//	Has    判断缓存代是否存在
//	Delete 删除整个缓存代及其全部条目
//	Keys   列出现存缓存代名称（按字典序）
//
// 实现必须允许多个 goroutine 并发调用。
type Storage interface {
	Open(ctx context.Context, name string) (Generation, error)
	Lookup(ctx context.Context, name string) (Generation, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Generation 是单个缓存代，key 为请求标识（GET 请求的绝对 URL）。
type Generation interface {
	// Name 返回缓存代名称，即部署时的版本标签。
	Name() string

	// Match 返回 key 对应的条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入或覆盖条目，同一 key 并发写入以最后一次为准。
	Put(ctx context.Context, key string, entry Entry) error

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 列出当前缓存代中的全部 key（按字典序）。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 描述写入缓存时的响应快照。
type Entry struct {
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Clone 深拷贝条目，避免调用方与存储共享 Header/Body。
func (e Entry) Clone() Entry {
	out := e
	if e.Header != nil {
		out.Header = e.Header.Clone()
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorageLocked 表示 StoragePath 已被其它进程占用。
	ErrStorageLocked = errors.New("cache storage locked by another process")
	// ErrInvalidName 表示缓存代名称不能安全地作为目录或键前缀。
	ErrInvalidName = errors.New("invalid generation name")
)

var generationNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName 校验缓存代名称，仅允许字母数字及 . _ -。
func ValidateName(name string) error {
	if !generationNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Backend 标识存储实现。
type Backend string

const (
	BackendFS      Backend = "fs"
	BackendLevelDB Backend = "leveldb"
	BackendMemory  Backend = "memory"
)

// Open 根据 backend 构建存储实例，path 对 memory 后端无意义。
func Open(backend Backend, path string) (Storage, error) {
	switch backend {
	case BackendFS, "":
		return NewFileStorage(path)
	case BackendLevelDB:
		return NewLevelDBStorage(path)
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
