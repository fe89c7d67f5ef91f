package action

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deploy-admin/internal/shared/eventbus"
)

// StepLogger 步骤日志
//
// 每个步骤一个只追加的 JSONL 文件，每行独立可解析；
// 同时向事件总线的 Run 主题发布 log 事件，供实时订阅者消费。
// 文件写入失败不阻断执行，只丢弃落盘（事件仍然发布）。
type StepLogger struct {
	runID  string
	stepID string
	bus    eventbus.Bus

	mu   sync.Mutex
	file *os.File
	path string
}

// logLine 日志行结构
type logLine struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
}

// NewStepLogger 创建步骤日志；logDir 为空时只发布事件不落盘
func NewStepLogger(logDir, runID, stepID string, bus eventbus.Bus) (*StepLogger, error) {
	l := &StepLogger{runID: runID, stepID: stepID, bus: bus}

	if logDir != "" {
		dir := filepath.Join(logDir, runID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(dir, stepID+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open step log: %w", err)
		}
		l.file = f
		l.path = path
	}

	return l, nil
}

// Path 返回日志文件路径（未落盘时为空）
func (l *StepLogger) Path() string {
	return l.path
}

// Logf 记录 info 级日志
func (l *StepLogger) Logf(format string, args ...any) {
	l.write("info", fmt.Sprintf(format, args...))
}

// Warnf 记录 warn 级日志
func (l *StepLogger) Warnf(format string, args ...any) {
	l.write("warn", fmt.Sprintf(format, args...))
}

func (l *StepLogger) write(level, msg string) {
	now := time.Now().UTC()

	l.mu.Lock()
	if l.file != nil {
		if data, err := json.Marshal(logLine{Timestamp: now, Level: level, Message: msg}); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(l.runID, &eventbus.Event{
			Type:  eventbus.EventLog,
			RunID: l.runID,
			Payload: map[string]any{
				"step_id": l.stepID,
				"level":   level,
				"message": msg,
			},
		})
	}
}

// Close 关闭日志文件
func (l *StepLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
