// Package repository PipelineRun 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"deploy-admin/internal/shared/model"
)

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	query := s.rebind(`
		INSERT INTO pipeline_runs (id, namespace, pipeline_id, pipeline_name, status, params, dry_run, triggered_by, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	var params any
	if run.Params != nil {
		params = []byte(run.Params)
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Namespace, run.PipelineID, run.PipelineName, run.Status,
		params, run.DryRun, run.TriggeredBy, run.StartedAt, run.FinishedAt, run.Error)
	return err
}

// GetRun 获取 Run，不存在时返回 (nil, nil)
func (s *Store) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	query := s.rebind(`SELECT id, namespace, pipeline_id, pipeline_name, status, params, dry_run, triggered_by, started_at, finished_at, error
			  FROM pipeline_runs WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns 按命名空间分页列出 Run，按开始时间倒序
func (s *Store) ListRuns(ctx context.Context, namespace string, limit, offset int) ([]*model.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, namespace, pipeline_id, pipeline_name, status, params, dry_run, triggered_by, started_at, finished_at, error
		  FROM pipeline_runs`
	args := []any{}
	if namespace != "" {
		query += ` WHERE namespace = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`
		args = append(args, namespace, limit, offset)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsByStatus 按状态列出 Run（恢复流程查找孤儿 Run）
func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.PipelineRun, error) {
	if limit <= 0 {
		limit = 500
	}
	query := s.rebind(`SELECT id, namespace, pipeline_id, pipeline_name, status, params, dry_run, triggered_by, started_at, finished_at, error
			  FROM pipeline_runs WHERE status = $1 ORDER BY started_at ASC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UpdateRunStatus 更新 Run 状态
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg *string, finished *time.Time) error {
	query := s.rebind(`UPDATE pipeline_runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`)
	_, err := s.db.ExecContext(ctx, query, status, errMsg, finished, id)
	return err
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.PipelineRun, error) {
	run := &model.PipelineRun{}
	var params *[]byte
	err := scanner.Scan(
		&run.ID, &run.Namespace, &run.PipelineID, &run.PipelineName, &run.Status,
		&params, &run.DryRun, &run.TriggeredBy, &run.StartedAt, &run.FinishedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	if params != nil {
		run.Params = *params
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*model.PipelineRun, error) {
	var result []*model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
