package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewFSProvider 以 basePath 为根目录构建磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/<namespace>/<generation>/<hh>/<sha1(key)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（key/status/header/stored_at），其后为正文，
// 单文件 + rename 保证元数据与正文同时生效。
func NewFSProvider(basePath string) (Provider, error) {
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

	return &fsProvider{basePath: abs, locks: make(map[string]*entryLock)}, nil
}

// fsProvider 通过 entryLock 避免同一条目并发写入，所有 namespace 共享锁表。
type fsProvider struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (p *fsProvider) Storage(namespace string) (Storage, error) {
	if err := validName(namespace); err != nil {
		return nil, fmt.Errorf("namespace %q: %w", namespace, err)
	}
	dir := filepath.Join(p.basePath, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace dir: %w", err)
	}
	return &fsStorage{provider: p, dir: dir}, nil
}

func (p *fsProvider) Close() error {
	return nil
}

func (p *fsProvider) lockEntry(key string) func() {
	p.mu.Lock()
	lock := p.locks[key]
	if lock == nil {
		lock = &entryLock{}
		p.locks[key] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

type fsStorage struct {
	provider *fsProvider
	dir      string
}

func (s *fsStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("generation %q: %w", name, err)
	}
	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}
	return &fsGeneration{provider: s.provider, name: name, dir: dir}, nil
}

func (s *fsStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validName(name); err != nil {
		return false, fmt.Errorf("generation %q: %w", name, err)
	}
	dir := filepath.Join(s.dir, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先 rename 再删除，避免 Names 列出半删除的目录。
	trash, err := os.MkdirTemp(s.dir, ".trash-*")
	if err != nil {
		return false, err
	}
	if err := os.Rename(dir, filepath.Join(trash, name)); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

type fsGeneration struct {
	provider *fsProvider
	name     string
	dir      string
}

// entryMeta 是 .entry 文件首行的 JSON 结构。
type entryMeta struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt int64       `json:"stored_at"`
}

func (g *fsGeneration) Name() string {
	return g.name
}

func (g *fsGeneration) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := g.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	entry := meta.toEntry()
	entry.Body = body
	return &entry, nil
}

func (g *fsGeneration) Put(ctx context.Context, entry Entry) error {
	unlock := g.provider.lockEntry(g.dir + "::" + entry.Key.String())
	defer unlock()

	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationGone
		}
		return err
	}

	filePath := g.entryPath(entry.Key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	header, err := json.Marshal(newEntryMeta(entry))
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(header), strings.NewReader("\n"), bytes.NewReader(entry.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fsGeneration) Keys(ctx context.Context) ([]Key, error) {
	var keys []Key
	err := filepath.WalkDir(g.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		meta, err := readMeta(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return fmt.Errorf("decode cache entry %s: %w", p, err)
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

func (g *fsGeneration) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(g.dir, name[:2], name+entrySuffix)
}

func newEntryMeta(entry Entry) entryMeta {
	meta := entryMeta{
		Key:    entry.Key,
		Status: entry.Status,
		Header: entry.Header,
	}
	if !entry.StoredAt.IsZero() {
		meta.StoredAt = entry.StoredAt.UnixNano()
	}
	return meta
}

func (m entryMeta) toEntry() Entry {
	entry := Entry{
		Key:    m.Key,
		Status: m.Status,
		Header: m.Header,
	}
	if entry.Header == nil {
		entry.Header = make(http.Header)
	}
	if m.StoredAt != 0 {
		entry.StoredAt = time.Unix(0, m.StoredAt).UTC()
	}
	return entry
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
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

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
