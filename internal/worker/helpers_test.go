package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talintel/sitecache/internal/cache"
)

const testOrigin = "https://talintel.ai"

var errOffline = errors.New("dial tcp: network is unreachable")

type fakeReply struct {
	status int
	header http.Header
	body   string
}

// fakeNetwork 按路径返回脚本化响应，并记录调用次数。
type fakeNetwork struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	offline bool
	calls   []string
	methods []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{replies: make(map[string]fakeReply)}
}

func (f *fakeNetwork) set(path string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[path] = fakeReply{
		status: status,
		header: http.Header{"Content-Type": {contentType}},
		body:   body,
	}
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL.Path)
	f.methods = append(f.methods, req.Method)
	if f.offline {
		return nil, errOffline
	}
	reply, ok := f.replies[req.URL.Path]
	if !ok {
		reply = fakeReply{status: http.StatusNotFound, header: http.Header{"Content-Type": {"text/plain"}}, body: "not found"}
	}
	return &http.Response{
		Status:     http.StatusText(reply.status),
		StatusCode: reply.status,
		Header:     reply.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader([]byte(reply.body))),
		Request:    req,
	}, nil
}

// failingStorage 包装 Storage，使 Put 总是失败。
type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingGeneration{Generation: gen}, nil
}

type failingGeneration struct {
	cache.Generation
}

func (g failingGeneration) Put(ctx context.Context, key string, entry cache.Entry) error {
	return errors.New("quota exceeded")
}

func siteNetwork() *fakeNetwork {
	net := newFakeNetwork()
	net.set("/", http.StatusOK, "text/html", "<html>home</html>")
	net.set("/index.html", http.StatusOK, "text/html", "<html>home</html>")
	net.set("/favicon-32x32.png", http.StatusOK, "image/png", "PNG")
	net.set("/app.js", http.StatusOK, "text/javascript", "console.log('app')")
	net.set("/assets/index.css", http.StatusOK, "text/css", "body{margin:0}")
	net.set("/fonts/inter.woff2", http.StatusOK, "font/woff2", "WOFF2")
	return net
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions(t *testing.T, version string, storage cache.Storage, network Network) Options {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return Options{
		Version:  version,
		Origin:   origin,
		Precache: DefaultPrecache,
		Policy:   DefaultPolicy(),
		Storage:  storage,
		Network:  network,
		Logger:   testLogger(),
		Now:      func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
	}
}

// activatedWorker installs and activates a worker over the given storage.
func activatedWorker(t *testing.T, version string, storage cache.Storage, network Network) *Worker {
	t.Helper()
	w, err := New(testOptions(t, version, storage, network))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func getRequest(t *testing.T, rawURL, destination string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if destination != "" {
		req.Header.Set(DestinationHeader, destination)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func cachedKeys(t *testing.T, w *Worker) []string {
	t.Helper()
	keys, err := w.Generation().Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
