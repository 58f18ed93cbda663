package worker

import (
	"net/http"
	"slices"
	"strings"
)

// DestinationHeader 由浏览器在每个请求上携带，对应 Request.destination。
const DestinationHeader = "Sec-Fetch-Dest"

var (
	defaultDestinations = []string{"style", "script", "image", "font"}
	defaultSuffixes     = []string{".woff", ".woff2", ".ttf"}
)

// Policy 判断一个成功响应是否写入缓存：目标类型命中，或路径后缀命中（两者取或）。
type Policy struct {
	destinations map[string]struct{}
	suffixes     []string
}

// DefaultPolicy 返回 style/script/image/font 与 .woff/.woff2/.ttf 的组合。
func DefaultPolicy() Policy {
	return NewPolicy(defaultDestinations, defaultSuffixes)
}

// NewPolicy 规范化大小写与空白；"stylesheet" 视为 "style"。
func NewPolicy(destinations, suffixes []string) Policy {
	p := Policy{destinations: make(map[string]struct{}, len(destinations))}
	for _, d := range destinations {
		if d = normalizeDestination(d); d != "" {
			p.destinations[d] = struct{}{}
		}
	}
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			p.suffixes = append(p.suffixes, s)
		}
	}
	return p
}

// Cacheable 判断请求对应的资源是否应被缓存。后缀规则与目标类型无关，
// 因此路径以 .ttf 结尾的文档同样会被缓存。
func (p Policy) Cacheable(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if _, ok := p.destinations[Destination(req)]; ok {
		return true
	}
	lowerPath := strings.ToLower(req.URL.Path)
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(lowerPath, suffix) {
			return true
		}
	}
	return false
}

// Destinations 返回规范化后的目标类型集合，供诊断输出。
func (p Policy) Destinations() []string {
	out := make([]string, 0, len(p.destinations))
	for d := range p.destinations {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Suffixes 返回后缀列表副本。
func (p Policy) Suffixes() []string {
	return append([]string(nil), p.suffixes...)
}

// Destination 读取请求的目标类型，缺省为空串（等价于浏览器的 "" destination）。
func Destination(req *http.Request) string {
	if req == nil {
		return ""
	}
	return normalizeDestination(req.Header.Get(DestinationHeader))
}

func normalizeDestination(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "stylesheet" {
		return "style"
	}
	return d
}
