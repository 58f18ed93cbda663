package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/talintel/sitecache/internal/logging"
	"github.com/talintel/sitecache/internal/server"
	"github.com/talintel/sitecache/internal/worker"
)

const (
	headerCacheHit = "X-Sitecache-Cache-Hit"
	headerVersion  = "X-Sitecache-Version"
)

// Handler 把 Fiber 请求转换为指向源站的 *http.Request，交给当前 worker 拦截；
// 未被拦截的请求（非 GET、尚无 worker）直接经 network 透传到源站。
type Handler struct {
	controller *worker.Controller
	network    worker.Network
	logger     *logrus.Logger
	origin     atomic.Pointer[url.URL]
}

// NewHandler constructs a proxy handler bound to the controller and origin.
func NewHandler(controller *worker.Controller, network worker.Network, origin *url.URL, logger *logrus.Logger) *Handler {
	h := &Handler{
		controller: controller,
		network:    network,
		logger:     logger,
	}
	h.SetOrigin(origin)
	return h
}

// SetOrigin 在配置热更新时替换源站地址。
func (h *Handler) SetOrigin(origin *url.URL) {
	if origin == nil {
		return
	}
	copied := *origin
	h.origin.Store(&copied)
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildOriginRequest(ctx, c)
	if err != nil {
		h.logResult(c.Method(), requestPath(c), "", "", requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	destination := worker.Destination(req)

	version := ""
	result, intercepted := h.controller.Handle(ctx, req)
	if intercepted {
		if active := h.controller.Active(); active != nil {
			version = active.Version()
		}
	} else {
		resp, err := h.network.Fetch(ctx, req)
		if err != nil {
			h.logResult(req.Method, req.URL.String(), destination, version, requestID, 0, false, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		result = worker.Result{Response: resp, Source: worker.SourceNetwork}
	}

	resp := result.Response
	defer resp.Body.Close()

	cacheHit := result.Source == worker.SourceCache
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, strconv.FormatBool(cacheHit))
	if version != "" {
		c.Set(headerVersion, version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req.Method, req.URL.String(), destination, version, requestID, resp.StatusCode, cacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req.Method, req.URL.String(), destination, version, requestID, resp.StatusCode, cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildOriginRequest 以源站为基准重建请求 URL，并复制允许透传的请求头。
func (h *Handler) buildOriginRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	origin := h.origin.Load()
	if origin == nil {
		return nil, fmt.Errorf("origin is not configured")
	}

	relative := &url.URL{Path: requestPath(c)}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := origin.ResolveReference(relative)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	destination string,
	version string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(version, method, target, destination, cacheHit)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制响应头；Content-Length 由 fasthttp 按实际正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
