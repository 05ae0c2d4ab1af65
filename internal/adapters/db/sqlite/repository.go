package sqlite

import (
	"context"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/kwilcz/traceflow/internal/domain"
)

// RunRepository persists run-history summaries. Consolidation and trace
// results themselves are never stored; every invocation recomputes them from
// input.
type RunRepository struct {
	db *gorm.DB
}

func Open(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) CreateConsolidationRun(ctx context.Context, value domain.ConsolidationRun) (domain.ConsolidationRun, error) {
	m := ConsolidationRunModel{
		RunID:        value.RunID,
		PolicyIDs:    value.PolicyIDs,
		FileCount:    value.FileCount,
		EntityCount:  value.EntityCount,
		NodeCount:    value.NodeCount,
		WarningCount: value.WarningCount,
		DurationMS:   value.DurationMS,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.ConsolidationRun{}, err
	}
	return consolidationRunFromModel(m), nil
}

func (r *RunRepository) ListConsolidationRuns(ctx context.Context, limit int) ([]domain.ConsolidationRun, error) {
	rows := make([]ConsolidationRunModel, 0)
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.ConsolidationRun, 0, len(rows))
	for _, m := range rows {
		result = append(result, consolidationRunFromModel(m))
	}
	return result, nil
}

func (r *RunRepository) CreateTraceParseRun(ctx context.Context, value domain.TraceParseRun) (domain.TraceParseRun, error) {
	m := TraceParseRunModel{
		RunID:      value.RunID,
		PolicyID:   value.PolicyID,
		LogCount:   value.LogCount,
		StepCount:  value.StepCount,
		ErrorCount: value.ErrorCount,
		DurationMS: value.DurationMS,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.TraceParseRun{}, err
	}
	return traceParseRunFromModel(m), nil
}

func (r *RunRepository) ListTraceParseRuns(ctx context.Context, limit int) ([]domain.TraceParseRun, error) {
	rows := make([]TraceParseRunModel, 0)
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.TraceParseRun, 0, len(rows))
	for _, m := range rows {
		result = append(result, traceParseRunFromModel(m))
	}
	return result, nil
}

func consolidationRunFromModel(m ConsolidationRunModel) domain.ConsolidationRun {
	return domain.ConsolidationRun{
		ID:           m.ID,
		RunID:        m.RunID,
		PolicyIDs:    m.PolicyIDs,
		FileCount:    m.FileCount,
		EntityCount:  m.EntityCount,
		NodeCount:    m.NodeCount,
		WarningCount: m.WarningCount,
		DurationMS:   m.DurationMS,
		CreatedAt:    m.CreatedAt,
	}
}

func traceParseRunFromModel(m TraceParseRunModel) domain.TraceParseRun {
	return domain.TraceParseRun{
		ID:         m.ID,
		RunID:      m.RunID,
		PolicyID:   m.PolicyID,
		LogCount:   m.LogCount,
		StepCount:  m.StepCount,
		ErrorCount: m.ErrorCount,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}
}
