package action

import (
	"fmt"
	"sync"
)

// Registry 动作注册表
//
// 启动时注册固定的内置动作集合，同名重复注册报错。
// 运行期只读，Get 不加锁竞争（注册完成后不再变更）。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register 注册动作处理器，同名重复注册报错
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if name == "" {
		return fmt.Errorf("action handler has empty name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister 注册动作处理器，失败时 panic（仅用于启动期组装）
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get 按名称查找处理器
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names 返回所有已注册的动作名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
