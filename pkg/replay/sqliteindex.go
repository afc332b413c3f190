package replay

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// Index is a queryable secondary index over replayed timelines (spec.md
// §4.M domain stack): the audit log itself remains the sole source of
// truth, and Index only accelerates ad hoc lookups (by plan hash or tool)
// a caller would otherwise have to scan the full timeline for.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) a SQLite index file at path, grounded on
// the teacher's SQLiteReceiptStore construction.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to open replay index", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS timeline_entries (
		seq INTEGER PRIMARY KEY,
		ts DATETIME,
		tool TEXT,
		role TEXT,
		intent TEXT,
		plan_hash TEXT,
		phase_id TEXT,
		args_hash TEXT,
		result_hash TEXT,
		error_code TEXT,
		invariant_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_plan_hash ON timeline_entries(plan_hash);
	CREATE INDEX IF NOT EXISTS idx_timeline_tool ON timeline_entries(tool);
	`
	if _, err := idx.db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.CodeInternalError, "failed to migrate replay index", err)
	}
	return nil
}

// Ingest replaces the index's contents with report's timeline, so a
// caller who re-runs Replay and re-ingests never accumulates stale rows
// from a prior, superseded run.
func (idx *Index) Ingest(ctx context.Context, report *Report) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeInternalError, "failed to begin replay index transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM timeline_entries"); err != nil {
		return errs.Wrap(errs.CodeInternalError, "failed to clear replay index", err)
	}

	const insert = `INSERT INTO timeline_entries (
		seq, ts, tool, role, intent, plan_hash, phase_id, args_hash, result_hash, error_code, invariant_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range report.Timeline {
		if _, err := tx.ExecContext(ctx, insert,
			e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Tool, e.Role, e.Intent,
			e.PlanHash, e.PhaseID, e.ArgsHash, e.ResultHash, e.ErrorCode, e.InvariantID,
		); err != nil {
			return errs.Wrap(errs.CodeInternalError, "failed to insert timeline entry into replay index", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeInternalError, "failed to commit replay index ingest", err)
	}
	return nil
}

// QueryByPlanHash returns every indexed entry for planHash, ordered by
// sequence number.
func (idx *Index) QueryByPlanHash(ctx context.Context, planHash string) ([]TimelineEntry, error) {
	return idx.query(ctx, "SELECT seq, ts, tool, role, intent, plan_hash, phase_id, args_hash, result_hash, error_code, invariant_id FROM timeline_entries WHERE plan_hash = ? ORDER BY seq", planHash)
}

// QueryByTool returns every indexed entry for tool, ordered by sequence
// number.
func (idx *Index) QueryByTool(ctx context.Context, tool string) ([]TimelineEntry, error) {
	return idx.query(ctx, "SELECT seq, ts, tool, role, intent, plan_hash, phase_id, args_hash, result_hash, error_code, invariant_id FROM timeline_entries WHERE tool = ? ORDER BY seq", tool)
}

func (idx *Index) query(ctx context.Context, query, arg string) ([]TimelineEntry, error) {
	rows, err := idx.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to query replay index", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var ts string
		if err := rows.Scan(&e.Seq, &ts, &e.Tool, &e.Role, &e.Intent, &e.PlanHash, &e.PhaseID, &e.ArgsHash, &e.ResultHash, &e.ErrorCode, &e.InvariantID); err != nil {
			return nil, errs.Wrap(errs.CodeInternalError, "failed to scan replay index row", err)
		}
		if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed iterating replay index rows", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
