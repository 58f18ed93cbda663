package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供版本/请求/命中状态字段，供拦截与代理日志复用。
func RequestFields(version, method, url, destination string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"version":   version,
		"method":    method,
		"url":       url,
		"cache_hit": cacheHit,
	}
	if destination != "" {
		fields["destination"] = destination
	}
	return fields
}
