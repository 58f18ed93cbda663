package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键布局：
//
//	g:<generation>               缓存代存在标记
//	e:<generation>\x00<url>      gob 编码的 Entry
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySeparator   = "\x00"
)

// NewLevelDBStorage 在 <basePath>/leveldb 打开（或创建）数据库。
// LevelDB 自身持有 LOCK 文件，同一目录无法被第二个进程打开。
func NewLevelDBStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(abs, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	db *leveldb.DB
}

type levelGeneration struct {
	db   *leveldb.DB
	name string
}

func (s *levelStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.db.Put(generationKey(name), nil, nil); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &levelGeneration{db: s.db, name: name}, nil
}

func (s *levelStorage) Lookup(ctx context.Context, name string) (Generation, error) {
	if err := ValidateName(name); err != nil {
		return nil, ErrNotFound
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &levelGeneration{db: s.db, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	return s.db.Has(generationKey(name), nil)
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(generationKey(name))

	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return true, nil
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	raw, err := g.db.Get(g.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (g *levelGeneration) Put(ctx context.Context, key string, entry Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if entry.URL == "" {
		entry.URL = key
	}
	raw, err := encodeGob(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return g.db.Put(g.entryKey(key), raw, nil)
}

func (g *levelGeneration) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	k := g.entryKey(key)
	exists, err := g.db.Has(k, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := g.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (g *levelGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(g.name)
	it := g.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (g *levelGeneration) entryKey(key string) []byte {
	return append(entryKeyPrefix(g.name), key...)
}

func generationKey(name string) []byte {
	return []byte(generationPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySeparator)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
