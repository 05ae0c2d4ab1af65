package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kwilcz/traceflow/internal/domain"
)

func newTestRepository(t *testing.T) *RunRepository {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return NewRunRepository(db)
}

func TestConsolidationRunRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateConsolidationRun(ctx, domain.ConsolidationRun{
		RunID:        "run-1",
		PolicyIDs:    "B2C_1A_TrustFrameworkBase,B2C_1A_TrustFrameworkExtensions",
		FileCount:    2,
		EntityCount:  14,
		NodeCount:    5,
		WarningCount: 1,
		DurationMS:   12,
	})
	if err != nil {
		t.Fatalf("create consolidation run: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected assigned id, got 0")
	}

	runs, err := repo.ListConsolidationRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list consolidation runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].RunID != "run-1" || runs[0].FileCount != 2 || runs[0].NodeCount != 5 {
		t.Fatalf("unexpected run: %+v", runs[0])
	}
}

func TestListConsolidationRunsNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if _, err := repo.CreateConsolidationRun(ctx, domain.ConsolidationRun{RunID: id, FileCount: 1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	runs, err := repo.ListConsolidationRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list consolidation runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-3" || runs[1].RunID != "run-2" {
		t.Fatalf("expected newest first, got %s then %s", runs[0].RunID, runs[1].RunID)
	}
}

func TestTraceParseRunRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateTraceParseRun(ctx, domain.TraceParseRun{
		RunID:      "run-1",
		PolicyID:   "B2C_1A_SignIn",
		LogCount:   7,
		StepCount:  4,
		ErrorCount: 0,
		DurationMS: 3,
	})
	if err != nil {
		t.Fatalf("create trace parse run: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected assigned id, got 0")
	}

	runs, err := repo.ListTraceParseRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list trace parse runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].PolicyID != "B2C_1A_SignIn" || runs[0].LogCount != 7 || runs[0].StepCount != 4 {
		t.Fatalf("unexpected run: %+v", runs[0])
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.CreateConsolidationRun(ctx, domain.ConsolidationRun{RunID: "run-1", FileCount: 1}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := repo.CreateConsolidationRun(ctx, domain.ConsolidationRun{RunID: "run-1", FileCount: 1}); err == nil {
		t.Fatalf("expected unique constraint violation")
	}
}
