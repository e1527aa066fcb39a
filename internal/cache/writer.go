package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrStoreUnavailable 表示当前 worker 尚未打开 generation。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// ErrEntryTooLarge 表示响应正文超过 MaxEntrySize，不写入缓存。
var ErrEntryTooLarge = errors.New("cache entry exceeds size limit")

// Writer 封装写入策略：仅缓存 2xx 响应、限制正文大小，并统一打上 StoredAt 时间戳。
type Writer struct {
	generation Generation
	maxSize    int64
	now        func() time.Time
}

// NewWriter 构造策略感知的写入器，maxSize <= 0 表示不限制大小，默认使用 time.Now 作为时钟。
func NewWriter(generation Generation, maxSize int64) Writer {
	return Writer{
		generation: generation,
		maxSize:    maxSize,
		now:        time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.generation != nil
}

// Cacheable 判断响应是否允许写入：非 2xx 一律视为未命中，不写缓存。
func (w Writer) Cacheable(status int, bodySize int) bool {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return false
	}
	return w.maxSize <= 0 || int64(bodySize) <= w.maxSize
}

// Put 写入缓存条目，写入前复制 Header/Body，避免与调用方继续使用的响应共享内存。
func (w Writer) Put(ctx context.Context, key Key, status int, header http.Header, body []byte) error {
	if w.generation == nil {
		return ErrStoreUnavailable
	}
	if w.maxSize > 0 && int64(len(body)) > w.maxSize {
		return ErrEntryTooLarge
	}
	entry := Entry{
		Key:      key,
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: w.now().UTC(),
	}
	return w.generation.Put(ctx, entry.Clone())
}
