package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

// NewProvider 根据 backend 名称构建缓存后端，basePath 对 memory 后端无效。
func NewProvider(backend, basePath string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewFSProvider(basePath)
	case BackendSQLite:
		if basePath == "" {
			return nil, fmt.Errorf("storage path required for %s backend", BackendSQLite)
		}
		return NewSQLiteProvider(filepath.Join(basePath, SQLiteFileName))
	case BackendMemory:
		return NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
