package action

import (
	"fmt"
	"time"
)

// cfgString 读取字符串配置项
func cfgString(cfg map[string]any, key string) (string, error) {
	val, ok := cfg[key]
	if !ok {
		return "", fmt.Errorf("config key %q is required", key)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("config key %q must be a string", key)
	}
	if s == "" {
		return "", fmt.Errorf("config key %q must not be empty", key)
	}
	return s, nil
}

// cfgStringOr 读取可选字符串配置项
func cfgStringOr(cfg map[string]any, key, fallback string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// cfgStrings 读取可选字符串数组配置项
func cfgStrings(cfg map[string]any, key string) ([]string, error) {
	val, ok := cfg[key]
	if !ok {
		return nil, nil
	}
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("config key %q must be an array", key)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("config key %q[%d] must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

// cfgDuration 读取以秒计的可选时长配置项
// YAML 解析出 int，JSON 解析出 float64，两者都接受
func cfgDuration(cfg map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}
