package worker

import (
	"errors"
	"fmt"
)

// State 表示 worker 生命周期阶段。
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant 表示安装失败或已被更新版本取代，不再处理任何事件。
	StateRedundant
)

var stateNames = map[State]string{
	StateNew:        "new",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActivated:  "activated",
	StateRedundant:  "redundant",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText 让诊断接口直接输出状态名称。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrInvalidState 表示在错误的生命周期阶段触发了事件。
	ErrInvalidState = errors.New("invalid worker state")
	// ErrNotActive 表示 worker 尚未激活，不能拦截请求。
	ErrNotActive = errors.New("worker not active")
	// ErrOffline 包装所有传输层失败（连接错误、超时等），调用方用 errors.Is 判断。
	ErrOffline = errors.New("network unavailable")
)

// transitionError 描述一次非法状态迁移。
func transitionError(event string, from State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, event, from)
}
