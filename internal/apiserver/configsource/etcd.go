package configsource

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"deploy-admin/internal/shared/model"
)

// EtcdSource 基于 etcd 的流水线定义来源
//
// 命名空间文档以 YAML 存储在 <prefix>/namespaces/<name> 键下。
// 启动时建立 watch，键变更即失效本地缓存，读取路径优先走缓存。
type EtcdSource struct {
	client *clientv3.Client
	prefix string

	mu    sync.RWMutex
	cache map[string]*model.Namespace

	cancel context.CancelFunc
}

// EtcdConfig etcd 来源配置
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// NewEtcdSource 创建 etcd 来源并启动 watch
func NewEtcdSource(cfg EtcdConfig) (*EtcdSource, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/deploy"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	s := &EtcdSource{
		client: client,
		prefix: cfg.Prefix,
		cache:  make(map[string]*model.Namespace),
		cancel: watchCancel,
	}
	go s.watch(watchCtx)

	log.Printf("[ConfigSource] Connected to etcd %v, prefix=%s", cfg.Endpoints, cfg.Prefix)
	return s, nil
}

// nsKey 命名空间文档的键
func (s *EtcdSource) nsKey(name string) string {
	return fmt.Sprintf("%s/namespaces/%s", s.prefix, name)
}

// watch 监听命名空间键变更，失效本地缓存
func (s *EtcdSource) watch(ctx context.Context) {
	prefix := fmt.Sprintf("%s/namespaces/", s.prefix)
	for resp := range s.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
		for _, ev := range resp.Events {
			name := strings.TrimPrefix(string(ev.Kv.Key), prefix)
			s.mu.Lock()
			delete(s.cache, name)
			s.mu.Unlock()
			log.Printf("[ConfigSource] Namespace %s changed, cache invalidated", name)
		}
	}
}

func (s *EtcdSource) GetNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	s.mu.RLock()
	if ns, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return ns, nil
	}
	s.mu.RUnlock()

	resp, err := s.client.Get(ctx, s.nsKey(name))
	if err != nil {
		return nil, fmt.Errorf("get namespace %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNamespaceNotFound
	}

	ns, err := parseNamespace(name, resp.Kvs[0].Value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = ns
	s.mu.Unlock()
	return ns, nil
}

func (s *EtcdSource) ListNamespaces(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("%s/namespaces/", s.prefix)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return names, nil
}

func (s *EtcdSource) Close() error {
	s.cancel()
	return s.client.Close()
}
