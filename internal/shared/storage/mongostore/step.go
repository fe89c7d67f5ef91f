package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"deploy-admin/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// StepStore
// ============================================================================

func (s *Store) CreateSteps(ctx context.Context, steps []*model.PipelineStep) error {
	if len(steps) == 0 {
		return nil
	}

	// 先分配一段自增 ID 区间并回填，保持主键语义与 SQL 实现一致
	first, err := nextIDs(ctx, s.col(ColCounters), "pipeline_steps", len(steps))
	if err != nil {
		return err
	}
	docs := make([]interface{}, len(steps))
	for i, st := range steps {
		st.ID = first + int64(i)
		docs[i] = st
	}

	_, err = s.col(ColSteps).InsertMany(ctx, docs)
	return wrapError(err)
}

func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*model.PipelineStep, error) {
	filter := bson.D{{Key: "run_id", Value: runID}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	return findMany[model.PipelineStep](ctx, s.col(ColSteps), filter, opts)
}

func (s *Store) MarkStepRunning(ctx context.Context, id int64) error {
	return updateFields(ctx, s.col(ColSteps), id, bson.D{
		{Key: "status", Value: model.StepStatusRunning},
		{Key: "started_at", Value: time.Now().UTC()},
	})
}

func (s *Store) FinishStep(ctx context.Context, id int64, status model.StepStatus, output json.RawMessage, errMsg string, logRef string) error {
	update := bson.D{
		{Key: "status", Value: status},
		{Key: "finished_at", Value: time.Now().UTC()},
	}
	if len(output) > 0 {
		update = append(update, bson.E{Key: "output", Value: output})
	}
	if errMsg != "" {
		update = append(update, bson.E{Key: "error", Value: errMsg})
	}
	if logRef != "" {
		update = append(update, bson.E{Key: "log_ref", Value: logRef})
	}
	return updateFields(ctx, s.col(ColSteps), id, update)
}

func (s *Store) MarkStaleStepsForRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	for _, m := range []struct {
		from model.StepStatus
		to   model.StepStatus
	}{
		{model.StepStatusRunning, model.StepStatusFailed},
		{model.StepStatusPending, model.StepStatusSkipped},
	} {
		filter := bson.D{
			{Key: "run_id", Value: runID},
			{Key: "status", Value: m.from},
		}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: m.to},
			{Key: "finished_at", Value: now},
		}}}
		if _, err := s.col(ColSteps).UpdateMany(ctx, filter, update); err != nil {
			return wrapError(err)
		}
	}
	return nil
}
