// Package repository PipelineStep 相关的存储操作
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deploy-admin/internal/shared/model"
)

// CreateSteps 批量创建步骤记录并回填数据库 ID
//
// 在单个事务内按声明顺序插入，保证恢复流程看到的步骤集要么完整要么为空。
func (s *Store) CreateSteps(ctx context.Context, steps []*model.PipelineStep) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO pipeline_steps (run_id, seq, step_id, name, action, status, output, error, log_ref)
		   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, st := range steps {
		var output any
		if st.Output != nil {
			output = []byte(st.Output)
		}
		if s.dialect.SupportsReturning() {
			query := s.rebind(insert + ` RETURNING id`)
			err = tx.QueryRowContext(ctx, query,
				st.RunID, st.Seq, st.StepID, st.Name, st.Action, st.Status,
				output, st.Error, st.LogRef).Scan(&st.ID)
			if err != nil {
				return fmt.Errorf("insert step %s: %w", st.StepID, err)
			}
		} else {
			result, err := tx.ExecContext(ctx, s.rebind(insert),
				st.RunID, st.Seq, st.StepID, st.Name, st.Action, st.Status,
				output, st.Error, st.LogRef)
			if err != nil {
				return fmt.Errorf("insert step %s: %w", st.StepID, err)
			}
			st.ID, err = result.LastInsertId()
			if err != nil {
				return fmt.Errorf("step %s id: %w", st.StepID, err)
			}
		}
	}

	return tx.Commit()
}

// ListStepsByRun 按声明顺序列出 Run 的全部步骤
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*model.PipelineStep, error) {
	query := s.rebind(`SELECT id, run_id, seq, step_id, name, action, status, started_at, finished_at, output, error, log_ref
			  FROM pipeline_steps WHERE run_id = $1 ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.PipelineStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// MarkStepRunning 步骤进入 running 并记录开始时间
func (s *Store) MarkStepRunning(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE pipeline_steps SET status = $1, started_at = $2 WHERE id = $3`)
	_, err := s.db.ExecContext(ctx, query, model.StepStatusRunning, time.Now().UTC(), id)
	return err
}

// FinishStep 步骤进入终止状态
func (s *Store) FinishStep(ctx context.Context, id int64, status model.StepStatus, output json.RawMessage, errMsg string, logRef string) error {
	var outputArg any
	if output != nil {
		outputArg = []byte(output)
	}
	var errArg, logArg *string
	if errMsg != "" {
		errArg = &errMsg
	}
	if logRef != "" {
		logArg = &logRef
	}
	query := s.rebind(`UPDATE pipeline_steps SET status = $1, output = $2, error = $3, log_ref = $4, finished_at = $5 WHERE id = $6`)
	_, err := s.db.ExecContext(ctx, query, status, outputArg, errArg, logArg, time.Now().UTC(), id)
	return err
}

// MarkStaleStepsForRun 恢复/兜底路径：running→failed，pending→skipped
func (s *Store) MarkStaleStepsForRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()

	query := s.rebind(`UPDATE pipeline_steps SET status = $1, finished_at = $2 WHERE run_id = $3 AND status = $4`)
	if _, err := s.db.ExecContext(ctx, query, model.StepStatusFailed, now, runID, model.StepStatusRunning); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, query, model.StepStatusSkipped, now, runID, model.StepStatusPending)
	return err
}

// scanStep 辅助函数
func scanStep(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.PipelineStep, error) {
	st := &model.PipelineStep{}
	var output *[]byte
	err := scanner.Scan(
		&st.ID, &st.RunID, &st.Seq, &st.StepID, &st.Name, &st.Action, &st.Status,
		&st.StartedAt, &st.FinishedAt, &output, &st.Error, &st.LogRef)
	if err != nil {
		return nil, err
	}
	if output != nil {
		st.Output = *output
	}
	return st, nil
}
