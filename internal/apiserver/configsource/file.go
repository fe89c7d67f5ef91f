package configsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"deploy-admin/internal/shared/model"
)

// FileSource 基于本地目录的流水线定义来源
//
// 目录下每个命名空间一个 <ns>.yaml 文件。每次读取都重新解析，
// 定义文件可在不重启进程的情况下更新。
type FileSource struct {
	dir string
}

// NewFileSource 创建文件来源
func NewFileSource(dir string) (*FileSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pipelines dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pipelines dir %s is not a directory", dir)
	}
	return &FileSource{dir: dir}, nil
}

func (f *FileSource) GetNamespace(_ context.Context, name string) (*model.Namespace, error) {
	path := filepath.Join(f.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNamespaceNotFound
		}
		return nil, fmt.Errorf("read namespace %s: %w", name, err)
	}
	return parseNamespace(name, data)
}

func (f *FileSource) ListNamespaces(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list pipelines dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

func (f *FileSource) Close() error {
	return nil
}
