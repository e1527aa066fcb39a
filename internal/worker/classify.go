package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Classification 决定请求走哪种策略。
type Classification string

const (
	ClassCrossOrigin Classification = "cross-origin"
	ClassNonGet      Classification = "non-get"
	ClassDynamicData Classification = "dynamic-data"
	ClassNavigation  Classification = "navigation"
	ClassStaticAsset Classification = "static-asset"
)

// Intercepted 返回该分类是否由 worker 接管（读写缓存）。
func (c Classification) Intercepted() bool {
	return c != ClassCrossOrigin && c != ClassNonGet
}

// Classifier 根据站点 origin 与动态数据路径对请求分类。
type Classifier struct {
	origin *url.URL
	data   []string
}

// NewClassifier 构造分类器。dataPatterns 中以 * 结尾的条目按前缀匹配，其余按路径全等匹配。
func NewClassifier(origin *url.URL, dataPatterns []string) Classifier {
	return Classifier{origin: origin, data: append([]string(nil), dataPatterns...)}
}

// Classify 依次判断 cross-origin、non-get、dynamic-data、navigation，其余视为静态资源。
func (c Classifier) Classify(req *Request) Classification {
	if req == nil || req.URL == nil || !c.sameOrigin(req.URL) {
		return ClassCrossOrigin
	}
	if req.Method != http.MethodGet {
		return ClassNonGet
	}
	if c.isData(req.URL.Path) {
		return ClassDynamicData
	}
	if req.Mode == ModeNavigate {
		return ClassNavigation
	}
	return ClassStaticAsset
}

// sameOrigin 比较主机名。所有站点共享同一个监听端口，
// 对外端口与 scheme 可能被前置代理改写，因此不参与比较。
// 相对 URL（无 Host）视为同源。
func (c Classifier) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	if c.origin == nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), c.origin.Hostname())
}

func (c Classifier) isData(path string) bool {
	for _, pattern := range c.data {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == pattern {
			return true
		}
	}
	return false
}
