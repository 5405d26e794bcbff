package notify

import (
	"context"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
)

// Notifier 定义通知接口。
type Notifier interface {
	// JobFailed 在任务被标记为 Failed 后调用。
	//
	// 参数:
	//   ctx: 上下文
	//   job: 已失败的任务（含 AttemptCount 与 ErrorMessage）
	//   productName: 商品名称
	JobFailed(ctx context.Context, job *model.ScrapeJob, productName string) error
}

// Nop 不发送任何通知。
type Nop struct{}

func (Nop) JobFailed(context.Context, *model.ScrapeJob, string) error { return nil }
