package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Provider 负责创建按站点隔离的 Storage，整站复用一份实例。
type Provider interface {
	// Storage 返回 namespace 对应的缓存空间，不同站点的 generation 互不可见。
	Storage(namespace string) (Storage, error)

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Storage 对应宿主环境中的 CacheStorage：按名称打开、枚举与删除 generation。
type Storage interface {
	// Open 打开（不存在时创建）名为 name 的 generation。
	Open(ctx context.Context, name string) (Generation, error)

	// Names 返回当前 namespace 下所有 generation 名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Delete 整体删除一个 generation，返回该 generation 是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Generation 是一个带版本名的键值缓存，键为请求标识，值为完整响应。
type Generation interface {
	Name() string

	// Match 返回 key 对应的缓存条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入或覆盖 key 对应的条目，同一 key 的并发写入以最后一次为准。
	// generation 已被删除时返回 ErrGenerationGone。
	Put(ctx context.Context, entry Entry) error

	// Keys 返回当前 generation 中的全部键，按字符串排序。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一标识一个缓存条目（方法 + URL 路径/查询串）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名并构造 Key。
func NewKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 表示一条缓存的响应。
type Entry struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回不与原条目共享 Header/Body 的副本。
func (e Entry) Clone() Entry {
	cloned := e
	cloned.Header = e.Header.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return cloned
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationGone 表示 generation 已被删除，写入被丢弃。
	ErrGenerationGone = errors.New("cache generation deleted")
	// ErrInvalidName 表示 namespace 或 generation 名称不合法。
	ErrInvalidName = errors.New("invalid cache name")
)

// validName 拒绝空名称及可能逃逸目录的名称，三种后端共用同一规则。
func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}
