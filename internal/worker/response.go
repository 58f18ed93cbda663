package worker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/talintel/sitecache/internal/cache"
)

// FallbackBody 是网络失败时合成响应的正文。
const FallbackBody = "Network request failed"

// FallbackResponse 合成 503 响应：status=503，Content-Type: text/plain。
func FallbackResponse(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, "", http.Header{
		"Content-Type": {"text/plain"},
	}, []byte(FallbackBody))
}

// RequestKey 计算请求在缓存代中的标识：去掉 fragment 的绝对 URL。
// 仅 GET 请求会被缓存，因此 method 不参与计算。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String()
}

func isHTTPURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func entryToResponse(req *http.Request, entry *cache.Entry) *http.Response {
	return newResponse(req, entry.Status, entry.StatusText, entry.Header, entry.Body)
}

func newEntry(key string, resp *http.Response, body []byte, now time.Time) cache.Entry {
	return cache.Entry{
		URL:        key,
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), body...),
		StoredAt:   now.UTC(),
	}
}

// newResponse 构造一个可独立读取的响应，正文来自内存切片。
func newResponse(req *http.Request, status int, statusText string, header http.Header, body []byte) *http.Response {
	if statusText == "" {
		statusText = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        statusText,
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// bufferResponse 一次性读出正文（即 clone），并用内存副本替换原始 Body。
func bufferResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header = resp.Header.Clone()
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return body, nil
}
