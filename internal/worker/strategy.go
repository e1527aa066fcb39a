package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// networkFirst 先请求网络，成功（2xx）则写缓存并返回；
// 失败（传输错误或非 2xx）时读缓存，仍未命中则合成空 JSON 数组。
func (w *Worker) networkFirst(ctx context.Context, req *Request) *Response {
	gen := w.currentGeneration()
	key := req.CacheKey()

	resp, err := w.network.Fetch(ctx, req, FetchOptions{NoStore: true})
	if err == nil && resp.OK() {
		w.store(ctx, gen, key, resp)
		resp.Source = SourceNetwork
		return resp
	}
	w.logFallback(req, key, resp, err)

	entry, matchErr := gen.Match(ctx, key)
	if matchErr == nil {
		return responseFromEntry(entry, SourceCache)
	}
	if !errors.Is(matchErr, cache.ErrNotFound) {
		w.logger.WithFields(w.keyFields(key)).WithError(matchErr).Warn("cache_match_failed")
	}
	return emptyJSONResponse()
}

// cacheFirst 命中缓存时直接返回，不访问网络；未命中则回源，2xx 写缓存，
// 非 2xx 原样返回但不缓存。回源传输失败时，导航请求返回 fallback 文档，其余请求返回错误。
func (w *Worker) cacheFirst(ctx context.Context, req *Request, navigation bool) (*Response, error) {
	gen := w.currentGeneration()
	key := req.CacheKey()

	entry, err := gen.Match(ctx, key)
	if err == nil {
		return responseFromEntry(entry, SourceCache), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	resp, fetchErr := w.network.Fetch(ctx, req, FetchOptions{})
	if fetchErr == nil {
		if resp.OK() {
			w.store(ctx, gen, key, resp)
		}
		resp.Source = SourceNetwork
		return resp, nil
	}

	if navigation {
		fallbackKey := cache.NewKey(http.MethodGet, (&url.URL{Path: w.fallbackPath}).RequestURI())
		if fallback, matchErr := gen.Match(ctx, fallbackKey); matchErr == nil {
			return responseFromEntry(fallback, SourceFallback), nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrOffline, fetchErr)
}

// store 写入失败只记录日志，不影响已经拿到的网络响应。
func (w *Worker) store(ctx context.Context, gen cache.Generation, key cache.Key, resp *Response) {
	writer := cache.NewWriter(gen, w.maxEntrySize)
	if !writer.Cacheable(resp.Status, len(resp.Body)) {
		w.logger.WithFields(w.keyFields(key)).WithField("size", len(resp.Body)).Debug("cache_put_skipped")
		return
	}
	if err := writer.Put(ctx, key, resp.Status, resp.Header, resp.Body); err != nil {
		w.logger.WithFields(w.keyFields(key)).WithError(err).Warn("cache_put_failed")
	}
}

func (w *Worker) logFallback(req *Request, key cache.Key, resp *Response, err error) {
	fields := w.keyFields(key)
	if err != nil {
		fields["error"] = err.Error()
	} else if resp != nil {
		fields["upstream_status"] = resp.Status
	}
	w.logger.WithFields(fields).Debug("network_first_fallback")
}

func (w *Worker) keyFields(key cache.Key) logrus.Fields {
	return logrus.Fields{
		"site":       w.site,
		"generation": w.cacheName,
		"key":        key.String(),
	}
}
