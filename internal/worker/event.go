package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent 是生命周期事件的延期句柄：处理函数通过 WaitUntil 登记异步任务，
// 事件在 Wait 返回前保持打开。并发任务数受 limit 约束。
type ExtendableEvent struct {
	Type  string
	ctx   context.Context
	group *errgroup.Group
}

func newExtendableEvent(ctx context.Context, eventType string, limit int) *ExtendableEvent {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &ExtendableEvent{Type: eventType, ctx: groupCtx, group: group}
}

// WaitUntil 登记一个任务。任一任务返回错误会取消其余任务的 context。
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.group.Go(func() error {
		return task(e.ctx)
	})
}

// Wait 阻塞到所有已登记任务结束，返回第一个错误。
func (e *ExtendableEvent) Wait() error {
	return e.group.Wait()
}
