package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 site/domain/generation/分类/来源字段，供代理请求日志复用。
func RequestFields(site, domain, generation, classification, source string) logrus.Fields {
	return logrus.Fields{
		"site":           site,
		"domain":         domain,
		"generation":     generation,
		"classification": classification,
		"source":         source,
		"cache_hit":      source == "cache" || source == "fallback",
	}
}

// LifecycleFields 描述 worker 生命周期事件，install/activate/purge 共用。
func LifecycleFields(site, generation, event string) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"site":       site,
		"generation": generation,
		"event":      event,
	}
}
