// Package configsource 提供流水线定义的来源抽象
//
// 流水线定义（命名空间文档）由外部维护，进程只读取：
//   - FileSource：本地目录，每个命名空间一个 <ns>.yaml
//   - EtcdSource：etcd 键值，支持 watch 热更新
//
// 两种来源解析出同一套 model.Namespace 结构。
package configsource

import (
	"context"
	"errors"
	"fmt"

	"deploy-admin/internal/shared/model"

	"gopkg.in/yaml.v3"
)

// ErrNamespaceNotFound 命名空间不存在
var ErrNamespaceNotFound = errors.New("namespace not found")

// Provider 流水线定义来源接口
type Provider interface {
	// GetNamespace 获取命名空间文档；不存在时返回 ErrNamespaceNotFound
	GetNamespace(ctx context.Context, name string) (*model.Namespace, error)

	// ListNamespaces 列出所有可用的命名空间名称
	ListNamespaces(ctx context.Context) ([]string, error)

	Close() error
}

// parseNamespace 解析命名空间 YAML 文档并校验
func parseNamespace(name string, data []byte) (*model.Namespace, error) {
	var ns model.Namespace
	if err := yaml.Unmarshal(data, &ns); err != nil {
		return nil, fmt.Errorf("parse namespace %s: %w", name, err)
	}
	if ns.Name == "" {
		ns.Name = name
	}
	for _, p := range ns.Pipelines {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("namespace %s: %w", name, err)
		}
	}
	return &ns, nil
}
