package action

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CachePurge 缓存清理动作
//
// 按键模式 SCAN 目标 Redis 并批量删除匹配键。用于部署后使
// 应用缓存失效（页面缓存、配置缓存）。
//
// 配置项：
//   - pattern  键模式（必填，如 "page-cache:*"）
type CachePurge struct {
	client *redis.Client
}

// NewCachePurge 创建缓存清理动作
func NewCachePurge(client *redis.Client) *CachePurge {
	return &CachePurge{client: client}
}

func (a *CachePurge) Name() string {
	return "cache-purge"
}

func (a *CachePurge) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	pattern, err := cfgString(cfg, "pattern")
	if err != nil {
		return nil, err
	}

	step.Log.Logf("purging cache keys matching %s", pattern)

	var deleted int64
	iter := a.client.Scan(ctx, 0, pattern, 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := a.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("delete cache keys: %w", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	step.Log.Logf("purged %d cache keys", deleted)
	return map[string]any{"deleted": deleted}, nil
}
