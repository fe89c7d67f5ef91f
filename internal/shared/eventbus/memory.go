// Package eventbus 进程内存实现
package eventbus

import (
	"errors"
	"sync"
	"time"
)

// MaxSubscribersPerTopic 单主题订阅者上限
//
// 超限拒绝而不是无界增长，防止泄漏/废弃的长连接把订阅表撑爆。
const MaxSubscribersPerTopic = 100

// ErrTopicFull 主题订阅者已达上限
var ErrTopicFull = errors.New("eventbus: topic subscriber limit reached")

// MemoryBus 进程内事件总线实现
//
// 每个主题持有独立互斥锁，发布在锁内同步遍历订阅者回调，
// 从而保证：
//  1. 同一主题的事件按发布顺序投递（单线程投递）
//  2. 订阅/退订与投递互斥，回调不会收到退订之后的事件
//
// 约束：回调内不得对同一主题再次 Publish/Subscribe（会死锁）。
// 引擎内的回调只做转发（写 channel / 推 WebSocket），满足该约束。
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

type topicState struct {
	mu     sync.Mutex
	nextID int
	subs   []*subscriber // 按订阅顺序
}

type subscriber struct {
	id int
	fn func(*Event)
}

// NewMemoryBus 创建进程内事件总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]*topicState)}
}

var _ Bus = (*MemoryBus)(nil)

// topic 获取或创建主题
func (b *MemoryBus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{}
		b.topics[name] = t
	}
	return t
}

// Publish 向主题发布事件
//
// 主题不存在（无订阅者）时事件被丢弃：总线不做持久化，
// 历史回放由持久层负责。
func (b *MemoryBus) Publish(topic string, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	t, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		s.fn(event)
	}
}

// Subscribe 订阅主题
func (b *MemoryBus) Subscribe(topic string, fn func(*Event)) (func(), error) {
	t := b.topic(topic)

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) >= MaxSubscribersPerTopic {
		return nil, ErrTopicFull
	}
	t.nextID++
	s := &subscriber{id: t.nextID, fn: fn}
	t.subs = append(t.subs, s)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			for i, cur := range t.subs {
				if cur.id == s.id {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			empty := len(t.subs) == 0
			t.mu.Unlock()

			if empty {
				b.gc(topic, t)
			}
		})
	}
	return unsubscribe, nil
}

// gc 回收无订阅者的主题条目
func (b *MemoryBus) gc(topic string, t *topicState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := b.topics[topic]; ok && cur == t && len(t.subs) == 0 {
		delete(b.topics, topic)
	}
}

// SubscriberCount 返回主题当前订阅者数量（仅用于测试）
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.Lock()
	t, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
