package worker

import (
	"context"
	"errors"
	"net/http"
)

// Network 抽象回源能力：fetch(request) -> response | failure。
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc 便于在测试中以函数形式注入 Network。
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPNetwork 基于共享 http.Client 发起真实请求，不做重试。
type HTTPNetwork struct {
	client *http.Client
}

// NewHTTPNetwork 使用调用方提供的 client；为空时使用不跟随重定向的默认 client。
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPNetwork{client: client}
}

// Fetch 以 ctx 发出请求，返回的 error 统一视为网络失败。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	return n.client.Do(req.WithContext(ctx))
}
