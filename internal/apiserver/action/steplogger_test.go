package action

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"deploy-admin/internal/shared/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLoggerWritesJSONLAndPublishes(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	var events []*eventbus.Event
	_, err := bus.Subscribe("run-1", func(ev *eventbus.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	logger, err := NewStepLogger(t.TempDir(), "run-1", "build", bus)
	require.NoError(t, err)

	logger.Logf("build started: %s", "web:1.0")
	logger.Warnf("cache miss")
	require.NoError(t, logger.Close())

	// 每行独立可解析
	f, err := os.Open(logger.Path())
	require.NoError(t, err)
	defer f.Close()

	var lines []logLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line logLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0].Level)
	assert.Equal(t, "build started: web:1.0", lines[0].Message)
	assert.Equal(t, "warn", lines[1].Level)

	// 同时向 Run 主题发布 log 事件
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.EventLog, events[0].Type)
	assert.Equal(t, "build", events[0].Payload["step_id"])
	assert.Equal(t, "build started: web:1.0", events[0].Payload["message"])
}

func TestStepLoggerWithoutFile(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	logger, err := NewStepLogger("", "run-1", "deploy", bus)
	require.NoError(t, err)

	// 不落盘时仅发布事件，不报错
	logger.Logf("hello")
	assert.Empty(t, logger.Path())
	assert.NoError(t, logger.Close())
}
