package worker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Controller 持有当前接管请求的 worker，并在新版本注册时原子替换。
type Controller struct {
	logger *logrus.Logger

	registerMu sync.Mutex
	active     atomic.Pointer[Worker]
}

// NewController 创建尚未接管任何请求的控制器。
func NewController(logger *logrus.Logger) *Controller {
	return &Controller{logger: logger}
}

// Register 按 install → activate → claim 顺序注册新版本。
// 安装失败时返回错误，原有 worker 继续接管；激活阶段的列举错误只记录日志。
func (c *Controller) Register(ctx context.Context, opts Options) (*Worker, error) {
	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	w, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := w.Install(ctx); err != nil {
		return nil, err
	}

	prev := c.active.Load()
	if prev != nil {
		// 旧版本的在途写入必须先落盘，否则会在清理之后重新生成旧缓存代。
		prev.retire()
	}

	if _, err := w.Activate(ctx); err != nil && c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"action":  "worker_activate",
			"version": w.Version(),
		}).WithError(err).Warn("worker_activate_incomplete")
	}

	c.active.Store(w)
	if prev != nil && prev != w {
		prev.markRedundant()
	}

	if c.logger != nil {
		fields := logrus.Fields{"action": "worker_claim", "version": w.Version()}
		if prev != nil {
			fields["previous_version"] = prev.Version()
		}
		c.logger.WithFields(fields).Info("worker_claimed")
	}
	return w, nil
}

// Active 返回当前接管请求的 worker，尚未注册成功时为 nil。
func (c *Controller) Active() *Worker {
	return c.active.Load()
}

// Handle 委托给当前 worker；没有 worker 时不拦截。
func (c *Controller) Handle(ctx context.Context, req *http.Request) (Result, bool) {
	w := c.active.Load()
	if w == nil {
		return Result{}, false
	}
	return w.Handle(ctx, req)
}

// Wait 等待当前 worker 的在途缓存写入完成，通常在关停前调用。
func (c *Controller) Wait() {
	if w := c.active.Load(); w != nil {
		w.Wait()
	}
}
