package domain

import "context"

type RunRepository interface {
	CreateConsolidationRun(ctx context.Context, value ConsolidationRun) (ConsolidationRun, error)
	ListConsolidationRuns(ctx context.Context, limit int) ([]ConsolidationRun, error)
	CreateTraceParseRun(ctx context.Context, value TraceParseRun) (TraceParseRun, error)
	ListTraceParseRuns(ctx context.Context, limit int) ([]TraceParseRun, error)
}
