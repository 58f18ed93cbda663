package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/talintel/sitecache/internal/cache"
)

func TestControllerWithoutWorkerDoesNotIntercept(t *testing.T) {
	c := NewController(testLogger())
	if _, intercepted := c.Handle(context.Background(), getRequest(t, testOrigin+"/", "document")); intercepted {
		t.Fatalf("controller without worker must not intercept")
	}
	c.Wait()
}

func TestControllerRegisterReplacesGeneration(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := siteNetwork()
	c := NewController(testLogger())

	v1, err := c.Register(ctx, testOptions(t, "talintel-v1", storage, network))
	if err != nil {
		t.Fatalf("register v1: %v", err)
	}
	result, _ := c.Handle(ctx, getRequest(t, testOrigin+"/app.js", "script"))
	readBody(t, result.Response)
	c.Wait()

	v2, err := c.Register(ctx, testOptions(t, "talintel-v2", storage, network))
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if c.Active() != v2 {
		t.Fatalf("v2 should be the active worker")
	}
	if v1.State() != StateRedundant {
		t.Fatalf("v1 should be redundant, got %s", v1.State())
	}

	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != "talintel-v2" {
		t.Fatalf("expected only talintel-v2, got %v", names)
	}

	before := network.callCount()
	for _, p := range DefaultPrecache {
		result, intercepted := c.Handle(ctx, getRequest(t, testOrigin+p, ""))
		if !intercepted || result.Source != SourceCache {
			t.Fatalf("%s should be served from talintel-v2", p)
		}
		readBody(t, result.Response)
	}
	if network.callCount() != before {
		t.Fatalf("manifest hits must not call network")
	}

	// v1 运行期缓存的脚本不会迁移到新版本。
	result, _ = c.Handle(ctx, getRequest(t, testOrigin+"/app.js", "script"))
	if result.Source != SourceNetwork {
		t.Fatalf("runtime entries from v1 should not survive, got %s", result.Source)
	}
	readBody(t, result.Response)
	c.Wait()
}

func TestControllerFailedRegisterKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := siteNetwork()
	c := NewController(testLogger())

	v1, err := c.Register(ctx, testOptions(t, "talintel-v1", storage, network))
	if err != nil {
		t.Fatalf("register v1: %v", err)
	}

	network.setOffline(true)
	if _, err := c.Register(ctx, testOptions(t, "talintel-v2", storage, network)); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if c.Active() != v1 || v1.State() != StateActivated {
		t.Fatalf("v1 should keep control after a failed upgrade")
	}
	if ok, _ := storage.Has(ctx, "talintel-v1"); !ok {
		t.Fatalf("v1 generation must survive a failed upgrade")
	}

	result, _ := c.Handle(ctx, getRequest(t, testOrigin+"/index.html", "document"))
	if result.Source != SourceCache || result.Response.StatusCode != http.StatusOK {
		t.Fatalf("v1 should still serve from cache")
	}
}

func TestControllerRetiredWorkerStopsStoring(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := siteNetwork()
	c := NewController(testLogger())

	v1, err := c.Register(ctx, testOptions(t, "talintel-v1", storage, network))
	if err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if _, err := c.Register(ctx, testOptions(t, "talintel-v2", storage, network)); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	// 已被取代的 worker 不再拦截，也不会重建旧缓存代。
	if _, intercepted := v1.Handle(ctx, getRequest(t, testOrigin+"/app.js", "script")); intercepted {
		t.Fatalf("redundant worker must not intercept")
	}
	v1.Wait()
	if ok, _ := storage.Has(ctx, "talintel-v1"); ok {
		t.Fatalf("talintel-v1 must not be recreated")
	}
}

func TestControllerReRegisterSameVersion(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	c := NewController(testLogger())

	if _, err := c.Register(ctx, testOptions(t, "talintel-v1", storage, siteNetwork())); err != nil {
		t.Fatalf("register: %v", err)
	}
	v1b, err := c.Register(ctx, testOptions(t, "talintel-v1", storage, siteNetwork()))
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if ok, _ := storage.Has(ctx, "talintel-v1"); !ok {
		t.Fatalf("same-version re-register must keep its generation")
	}
	if c.Active() != v1b {
		t.Fatalf("latest registration should be active")
	}
}

// countingGeneration 统计 Put 调用次数。
type countingGeneration struct {
	cache.Generation
	puts atomic.Int64
}

func (g *countingGeneration) Put(ctx context.Context, key string, entry cache.Entry) error {
	g.puts.Add(1)
	return g.Generation.Put(ctx, key, entry)
}

func TestRetireBlocksConcurrentStores(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	w := activatedWorker(t, "talintel-v1", storage, siteNetwork())
	gen := &countingGeneration{Generation: w.Generation()}
	entry := cache.Entry{URL: testOrigin + "/app.js", Status: http.StatusOK, Body: []byte("js")}

	stop := make(chan struct{})
	var writers sync.WaitGroup
	for i := 0; i < 8; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					w.storeAsync(ctx, gen, entry.URL, entry, "script")
				}
			}
		}()
	}

	w.retire()
	after := gen.puts.Load()
	close(stop)
	writers.Wait()
	w.Wait()

	if got := gen.puts.Load(); got != after {
		t.Fatalf("no store may start after retire returns: %d before, %d after", after, got)
	}
}
