package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talintel/sitecache/internal/cache"
	"github.com/talintel/sitecache/internal/logging"
)

// State 对应 worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Source 标记一次拦截的响应来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

var (
	// ErrInstallFailed 表示预缓存未能全部完成，该版本不会接管请求。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrInvalidState 表示生命周期调用顺序错误。
	ErrInvalidState = errors.New("invalid worker state")
)

// DefaultPrecache 是安装阶段预缓存的关键资源。
var DefaultPrecache = []string{"/", "/index.html", "/favicon-32x32.png"}

// Options 是构造 worker 的显式依赖，避免隐式全局状态。
type Options struct {
	// Version 是缓存代名称，部署新语义时必须变更。
	Version string
	// Origin 用于把预缓存路径解析为绝对 URL。
	Origin *url.URL
	// Precache 为安装阶段需要写入的路径，按顺序请求。
	Precache []string
	Policy   Policy
	Storage  cache.Storage
	Network  Network
	Logger   *logrus.Logger
	// Now 缺省为 time.Now，测试可注入固定时钟。
	Now func() time.Time
}

// Result 是一次拦截的结果。
type Result struct {
	Response *http.Response
	Source   Source
}

// Worker 是单个版本的离线缓存代理实例。
type Worker struct {
	opts Options

	mu    sync.RWMutex
	state State
	gen   cache.Generation

	// storing 为 false 时不再调度新的缓存写入（被新版本取代中）。
	// storeMu 保证检查 storing 与 pending.Add 对 retire 原子可见。
	storeMu sync.Mutex
	storing bool
	pending sync.WaitGroup
}

// New 校验依赖并构造处于 parsed 阶段的 worker，未设置 Policy 时使用 DefaultPolicy。
func New(opts Options) (*Worker, error) {
	if err := cache.ValidateName(opts.Version); err != nil {
		return nil, fmt.Errorf("version label: %w", err)
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Origin == nil && len(opts.Precache) > 0 {
		return nil, errors.New("origin is required to resolve precache paths")
	}
	if opts.Policy.destinations == nil && opts.Policy.suffixes == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Precache = append([]string(nil), opts.Precache...)

	return &Worker{opts: opts, state: StateParsed, storing: true}, nil
}

// Version 返回当前 worker 的版本标签。
func (w *Worker) Version() string {
	return w.opts.Version
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Policy 返回缓存判定策略。
func (w *Worker) Policy() Policy {
	return w.opts.Policy
}

// Generation 返回当前缓存代，安装前为 nil。
func (w *Worker) Generation() cache.Generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gen
}

// Install 打开版本对应的缓存代并预缓存清单。全部资源都成功取回后才会写入，
// 任一失败则整体放弃，worker 转为 redundant。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	fields := logrus.Fields{"action": "worker_install", "version": w.opts.Version, "assets": len(w.opts.Precache)}

	existed, err := w.opts.Storage.Has(ctx, w.opts.Version)
	if err != nil {
		return w.failInstall(fields, fmt.Errorf("check generation: %w", err))
	}

	type precached struct {
		key   string
		entry cache.Entry
	}
	fetched := make([]precached, 0, len(w.opts.Precache))
	for _, p := range w.opts.Precache {
		req, err := w.precacheRequest(ctx, p)
		if err != nil {
			return w.failInstall(fields, err)
		}
		resp, err := w.opts.Network.Fetch(ctx, req)
		if err != nil {
			return w.failInstall(fields, fmt.Errorf("fetch %s: %w", p, err))
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return w.failInstall(fields, fmt.Errorf("fetch %s: unexpected status %d", p, resp.StatusCode))
		}
		body, err := bufferResponse(resp)
		if err != nil {
			return w.failInstall(fields, fmt.Errorf("read %s: %w", p, err))
		}
		key := RequestKey(req)
		fetched = append(fetched, precached{key: key, entry: newEntry(key, resp, body, w.opts.Now())})
	}

	gen, err := w.opts.Storage.Open(ctx, w.opts.Version)
	if err != nil {
		return w.failInstall(fields, fmt.Errorf("open generation: %w", err))
	}
	for _, item := range fetched {
		if err := gen.Put(ctx, item.key, item.entry); err != nil {
			if !existed {
				_, _ = w.opts.Storage.Delete(context.WithoutCancel(ctx), w.opts.Version)
			}
			return w.failInstall(fields, fmt.Errorf("store %s: %w", item.key, err))
		}
	}

	w.mu.Lock()
	w.gen = gen
	w.state = StateInstalled
	w.mu.Unlock()

	w.opts.Logger.WithFields(fields).Info("worker_installed")
	return nil
}

// Activate 删除所有名称不等于当前版本的缓存代。单个缓存代删除失败只记录日志，
// 激活总会完成；返回值为成功删除的缓存代与列举阶段的错误。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}
	defer w.setState(StateActivated)

	fields := logrus.Fields{"action": "worker_activate", "version": w.opts.Version}
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.opts.Logger.WithFields(fields).WithError(err).Warn("generation_list_failed")
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		ok, err := w.opts.Storage.Delete(ctx, name)
		if err != nil {
			w.opts.Logger.WithFields(fields).WithError(err).WithField("generation", name).Warn("generation_delete_failed")
			continue
		}
		if ok {
			deleted = append(deleted, name)
			w.opts.Logger.WithFields(fields).WithField("generation", name).Info("generation_deleted")
		}
	}

	fields["deleted"] = len(deleted)
	w.opts.Logger.WithFields(fields).Info("worker_activated")
	return deleted, nil
}

// Handle 执行拦截算法。第二个返回值为 false 时表示不拦截，调用方应原样直连网络。
func (w *Worker) Handle(ctx context.Context, req *http.Request) (Result, bool) {
	if req == nil || req.Method != http.MethodGet {
		return Result{}, false
	}
	if !isHTTPURL(req.URL) {
		return Result{}, false
	}
	gen := w.activeGeneration()
	if gen == nil {
		return Result{}, false
	}

	key := RequestKey(req)
	entry, err := gen.Match(ctx, key)
	switch {
	case err == nil:
		return Result{Response: entryToResponse(req, entry), Source: SourceCache}, true
	case errors.Is(err, cache.ErrNotFound):
	default:
		w.opts.Logger.WithFields(logging.RequestFields(w.opts.Version, req.Method, key, Destination(req), false)).
			WithError(err).Warn("cache_match_failed")
	}

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil || resp == nil {
		return Result{Response: FallbackResponse(req), Source: SourceFallback}, true
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Response: resp, Source: SourceNetwork}, true
	}

	body, err := bufferResponse(resp)
	if err != nil {
		return Result{Response: FallbackResponse(req), Source: SourceFallback}, true
	}
	if w.opts.Policy.Cacheable(req) {
		w.storeAsync(ctx, gen, key, newEntry(key, resp, body, w.opts.Now()), Destination(req))
	}
	return Result{Response: resp, Source: SourceNetwork}, true
}

// Wait 阻塞直到所有已调度的缓存写入完成。
func (w *Worker) Wait() {
	w.pending.Wait()
}

// storeAsync 在独立 goroutine 中写缓存；失败只记录日志，不影响已返回的响应。
func (w *Worker) storeAsync(ctx context.Context, gen cache.Generation, key string, entry cache.Entry, destination string) {
	w.storeMu.Lock()
	if !w.storing {
		w.storeMu.Unlock()
		return
	}
	w.pending.Add(1)
	w.storeMu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer w.pending.Done()
		if err := gen.Put(detached, key, entry); err != nil {
			w.opts.Logger.WithFields(logging.RequestFields(w.opts.Version, http.MethodGet, key, destination, false)).
				WithError(err).Warn("cache_put_failed")
		}
	}()
}

// retire 停止调度新写入并等待在途写入结束，供新版本激活前调用。
func (w *Worker) retire() {
	w.storeMu.Lock()
	w.storing = false
	w.storeMu.Unlock()
	w.pending.Wait()
}

func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
	w.opts.Logger.WithFields(logrus.Fields{"action": "worker_redundant", "version": w.opts.Version}).Info("worker_redundant")
}

func (w *Worker) activeGeneration() cache.Generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state != StateActivated {
		return nil
	}
	return w.gen
}

func (w *Worker) failInstall(fields logrus.Fields, cause error) error {
	w.setState(StateRedundant)
	w.opts.Logger.WithFields(fields).WithError(cause).Error("worker_install_failed")
	return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.opts.Version, cause)
}

func (w *Worker) precacheRequest(ctx context.Context, p string) (*http.Request, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("invalid precache path %q: %w", p, err)
	}
	target := w.opts.Origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}
