package mongostore

import (
	"context"
	"time"

	"deploy-admin/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// RunStore
// ============================================================================

func (s *Store) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	return insertOne(ctx, s.col(ColRuns), run)
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	return findOne[model.PipelineRun](ctx, s.col(ColRuns), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListRuns(ctx context.Context, namespace string, limit, offset int) ([]*model.PipelineRun, error) {
	filter := bson.D{}
	if namespace != "" {
		filter = append(filter, bson.E{Key: "namespace", Value: namespace})
	}
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	return findMany[model.PipelineRun](ctx, s.col(ColRuns), filter, opts)
}

func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.PipelineRun, error) {
	filter := bson.D{{Key: "status", Value: status}}
	if limit <= 0 {
		limit = 500
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: 1}}).
		SetLimit(int64(limit))
	return findMany[model.PipelineRun](ctx, s.col(ColRuns), filter, opts)
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg *string, finished *time.Time) error {
	update := bson.D{{Key: "status", Value: status}}
	if errMsg != nil {
		update = append(update, bson.E{Key: "error", Value: *errMsg})
	}
	if finished != nil {
		update = append(update, bson.E{Key: "finished_at", Value: *finished})
	}
	return updateFields(ctx, s.col(ColRuns), id, update)
}
