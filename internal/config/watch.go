package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher 监听配置文件变化，每次写入后重新解码并校验，成功时回调 onChange，
// 失败时回调 onError 且保留旧配置继续运行。
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	onChange func(*Config)
	onError  func(error)
}

// Watch 启动对 path 的监听。viper 基于 fsnotify 监听所在目录，可识别编辑器的 rename 写入。
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	w := &Watcher{v: v, onChange: onChange, onError: onError}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	// 回调串行执行，避免两次快速写入交错触发 install。
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := decode(w.v)
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("重新加载 %s 失败: %w", event.Name, err))
		}
		return
	}
	w.onChange(cfg)
}
