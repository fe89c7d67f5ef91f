// Package server WebSocket 事件网关
//
// 事件网关提供实时事件推送能力，支持前端实时观察流水线执行过程。
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"
)

// upgrader WebSocket 升级器配置
//
// CheckOrigin 当前允许所有来源，生产环境应限制。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RunLookup 事件网关需要的存储接口
type RunLookup interface {
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
}

// EventGateway WebSocket 事件网关
//
// 事件网关负责：
//   - 管理 WebSocket 连接
//   - 从进程内事件总线订阅单次执行的事件流
//   - 将事件推送给订阅的客户端
//   - 在执行到达终止状态时通知客户端并关闭连接
type EventGateway struct {
	store   RunLookup
	bus     eventbus.Bus
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]int // 按 RunID 统计的连接数
}

// NewEventGateway 创建事件网关实例
// metrics 可选，nil 时不记录指标。
func NewEventGateway(store RunLookup, bus eventbus.Bus, metrics *Metrics) *EventGateway {
	return &EventGateway{
		store:   store,
		bus:     bus,
		metrics: metrics,
		clients: make(map[string]int),
	}
}

// HandleRunEvents 处理单次执行的 WebSocket 连接请求
//
// 路由: GET /ws/runs/{id}/events
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "success", "finished_at": "..."}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}

	// 升级前确认 Run 存在
	run, err := g.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[EventGateway] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	g.addClient(runID)
	defer g.removeClient(runID)
	log.Printf("[EventGateway] client connected for run %s", runID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, runID, run)
}

func (g *EventGateway) addClient(runID string) {
	g.mu.Lock()
	g.clients[runID]++
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
	}
}

func (g *EventGateway) removeClient(runID string) {
	g.mu.Lock()
	g.clients[runID]--
	if g.clients[runID] <= 0 {
		delete(g.clients, runID)
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.WSConnectionClosed()
	}
}

// ClientCount 返回指定执行当前的连接数
func (g *EventGateway) ClientCount(runID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[runID]
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行，处理心跳并在连接关闭时取消上下文。
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[EventGateway] read error: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.WriteJSON(map[string]string{"type": "pong"})
				if g.metrics != nil {
					g.metrics.RecordWSMessage("in", "ping")
				}
			}
		}
	}
}

// writePump 向客户端推送事件
//
// 先订阅执行主题，再复查一次持久化状态：执行可能在订阅建立前
// 就已结束，此时直接推送终止状态并退出，不会漏掉结果。
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, runID string, run *model.PipelineRun) {
	// 总线回调不可阻塞，事件先进缓冲通道再由本循环消费
	eventCh := make(chan *eventbus.Event, 256)
	unsubscribe, err := g.bus.Subscribe(runID, func(ev *eventbus.Event) {
		select {
		case eventCh <- ev:
		default:
			// 客户端消费太慢时丢弃，终止状态由复查兜底
		}
	})
	if err != nil {
		log.Printf("[EventGateway] subscribe failed for run %s: %v", runID, err)
		g.sendStatus(conn, run)
		return
	}
	defer unsubscribe()

	if run.Status.IsTerminal() {
		g.sendStatus(conn, run)
		return
	}
	if fresh, err := g.store.GetRun(ctx, runID); err == nil && fresh != nil && fresh.Status.IsTerminal() {
		g.sendStatus(conn, fresh)
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-eventCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			msg := map[string]interface{}{
				"type": "event",
				"data": map[string]interface{}{
					"type":      ev.Type,
					"run_id":    ev.RunID,
					"timestamp": ev.Timestamp,
					"payload":   ev.Payload,
				},
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[EventGateway] write error: %v", err)
				return
			}
			if g.metrics != nil {
				g.metrics.RecordWSMessage("out", ev.Type)
			}

			// 终止状态事件后结束推送
			if ev.Type == eventbus.EventRunStatus {
				status, _ := ev.Payload["status"].(string)
				if model.RunStatus(status).IsTerminal() {
					conn.WriteJSON(map[string]interface{}{
						"type": "status",
						"data": ev.Payload,
					})
					return
				}
			}
		}
	}
}

// sendStatus 推送已终止执行的最终状态
func (g *EventGateway) sendStatus(conn *websocket.Conn, run *model.PipelineRun) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	data := map[string]interface{}{
		"status":      run.Status,
		"finished_at": run.FinishedAt,
	}
	if run.Error != nil {
		data["error"] = *run.Error
	}
	conn.WriteJSON(map[string]interface{}{"type": "status", "data": data})
}
