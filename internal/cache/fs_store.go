package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName = ".lock"
	bodySuffix   = ".body"
	metaSuffix   = ".meta"
	rootSegment  = "__root"
	dirSegment   = "__dir"
	tempPattern  = ".cache-*"
)

// NewFileStorage 以 basePath 为根目录构建磁盘存储，布局为：
//
//	<basePath>/<generation>/<host>/<path>.body   # 响应正文
//	<basePath>/<generation>/<host>/<path>.meta   # 状态码、响应头等 JSON 元数据
//
// 同一 basePath 只允许一个进程持有，通过 flock 文件锁保证。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	lock := flock.New(filepath.Join(abs, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage path: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStorageLocked, abs)
	}

	return &fileStorage{
		basePath: abs,
		lock:     lock,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发读写交错，同时复用 basePath。
type fileStorage struct {
	basePath string
	lock     *flock.Flock

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	storage *fileStorage
	name    string
	dir     string
}

// fileMeta 是 .meta 文件的内容，Body 单独存放在 .body 文件中。
type fileMeta struct {
	Entry
	SizeBytes int64 `json:"size_bytes"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileGeneration{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Generation, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	return &fileGeneration{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error {
	return s.lock.Unlock()
}

func (s *fileStorage) generationDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (g *fileGeneration) Name() string { return g.name }

func (g *fileGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	base, err := g.entryPath(key)
	if err != nil {
		return nil, err
	}
	unlock := g.storage.lockEntry(g.lockKey(key))
	defer unlock()

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := meta.Entry
	entry.Body = body
	return &entry, nil
}

func (g *fileGeneration) Put(ctx context.Context, key string, entry Entry) error {
	base, err := g.entryPath(key)
	if err != nil {
		return err
	}
	unlock := g.storage.lockEntry(g.lockKey(key))
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	if entry.URL == "" {
		entry.URL = key
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	written, err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(entry.Body))
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(fileMeta{Entry: entry, SizeBytes: written})
	if err != nil {
		return err
	}
	if _, err := writeAtomic(ctx, base+metaSuffix, bytes.NewReader(metaBytes)); err != nil {
		os.Remove(base + bodySuffix)
		return err
	}
	return os.Chtimes(base+bodySuffix, entry.StoredAt, entry.StoredAt)
}

func (g *fileGeneration) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	base, err := g.entryPath(key)
	if err != nil {
		return false, err
	}
	unlock := g.storage.lockEntry(g.lockKey(key))
	defer unlock()

	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(g.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		keys = append(keys, meta.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *fileGeneration) lockKey(key string) string {
	return g.name + "::" + key
}

// entryPath 将请求 URL 映射为不含后缀的文件路径，查询串以 sha1 落到 __qs 子目录。
func (g *fileGeneration) entryPath(key string) (string, error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid cache key %q: %w", key, err)
	}

	host := strings.ReplaceAll(u.Host, ":", "_")
	if host == "" || host == "." || host == ".." {
		host = "_"
	}

	rel := u.Path
	trailing := len(rel) > 1 && strings.HasSuffix(rel, "/")
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	switch {
	case rel == "":
		rel = rootSegment
	case trailing:
		rel += "/" + dirSegment
	}
	if u.RawQuery != "" {
		sum := sha1.Sum([]byte(u.RawQuery))
		rel = fmt.Sprintf("%s/__qs/%s", rel, hex.EncodeToString(sum[:]))
	}

	filePath := filepath.Join(g.dir, host, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, g.dir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func readMeta(p string) (*fileMeta, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			if info, statErr := os.Stat(p); statErr == nil && info.IsDir() {
				return nil, ErrNotFound
			}
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", p, err)
	}
	return &meta, nil
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
