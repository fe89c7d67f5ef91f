package action

import (
	"bufio"
	"context"
	"io"

	"deploy-admin/internal/shared/docker"
)

// logStreamer 增量转发容器日志
//
// Docker 日志接口不提供可靠的续传游标，这里以"已转发行数"作为
// 续传令牌：每次拉取全量日志，只转发新增的行。
type logStreamer struct {
	client      *docker.Client
	containerID string
	seen        int
}

// forward 拉取日志并把新增行写入步骤日志
func (s *logStreamer) forward(ctx context.Context, log *StepLogger) {
	rc, err := s.client.ContainerLogs(ctx, s.containerID, "all")
	if err != nil {
		return
	}
	defer rc.Close()

	lines := readLogLines(rc)
	for _, line := range lines[min(s.seen, len(lines)):] {
		log.Logf("%s", line)
	}
	if len(lines) > s.seen {
		s.seen = len(lines)
	}
}

// readLogLines 按行读取容器日志
// 非 TTY 容器的日志流每帧带 8 字节多路复用头，这里剥掉它
func readLogLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 8 && (line[0] == 0x01 || line[0] == 0x02) && line[1] == 0 {
			line = line[8:]
		}
		lines = append(lines, string(line))
	}
	return lines
}
