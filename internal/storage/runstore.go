package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/maestro/internal/executor"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	success     INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	levels      TEXT NOT NULL,
	report      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS run_nodes (
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	skill_id        TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	exit_code       INTEGER NOT NULL,
	error_kind      TEXT NOT NULL,
	error           TEXT NOT NULL,
	diagnosis       TEXT NOT NULL,
	failed_ancestor TEXT NOT NULL,
	output_files    TEXT NOT NULL,
	duration_ms     INTEGER NOT NULL,
	PRIMARY KEY (run_id, skill_id)
);
`

// RunSummary is one row of the run history listing.
type RunSummary struct {
	ID        string
	Query     string
	Success   bool
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
	CreatedAt time.Time
}

// NodeRecord is the persisted terminal state of one node.
type NodeRecord struct {
	SkillID        string
	Status         string
	Attempts       int
	ExitCode       int
	ErrorKind      string
	Error          string
	Diagnosis      string
	FailedAncestor string
	OutputFiles    map[string]string
	Duration       time.Duration
}

// RunRecord is a full persisted run.
type RunRecord struct {
	RunSummary
	Levels [][]string
	Report string
	Nodes  []NodeRecord
}

// RunStore persists run results to a sqlite database.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (and migrates) the run history database at path.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the underlying database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveResult persists a finished run and its node states.
func (s *RunStore) SaveResult(ctx context.Context, res *executor.Result) error {
	levels, err := json.Marshal(res.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	succeeded, failed, skipped := res.Counts()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, query, success, succeeded, failed, skipped, levels, report, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Query, res.Success, succeeded, failed, skipped,
		string(levels), res.Markdown(), res.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}

	for _, level := range res.Levels {
		for _, id := range level {
			n := res.Nodes[id]
			if n == nil {
				continue
			}

			exitCode := 0
			outputFiles := "{}"
			if n.Output != nil {
				exitCode = n.Output.ExitCode
				if data, err := json.Marshal(n.Output.OutputFiles); err == nil {
					outputFiles = string(data)
				}
			}
			errText := ""
			if n.Err != nil {
				errText = n.Err.Error()
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO run_nodes (run_id, skill_id, status, attempts, exit_code, error_kind, error, diagnosis, failed_ancestor, output_files, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				res.RunID, n.SkillID, string(n.Status), n.Attempts, exitCode,
				n.ErrorKind, errText, n.Diagnosis, n.FailedAncestor, outputFiles, n.Duration.Milliseconds())
			if err != nil {
				return fmt.Errorf("save run %s node %s: %w", res.RunID, id, err)
			}
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, success, succeeded, failed, skipped, duration_ms, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.Query, &r.Success, &r.Succeeded, &r.Failed, &r.Skipped, &durationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun loads a full run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	var levels string
	var durationMS int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, success, succeeded, failed, skipped, levels, report, duration_ms, created_at
		 FROM runs WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Query, &rec.Success, &rec.Succeeded, &rec.Failed, &rec.Skipped,
			&levels, &rec.Report, &durationMS, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(levels), &rec.Levels); err != nil {
		return nil, fmt.Errorf("get run %s: levels: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT skill_id, status, attempts, exit_code, error_kind, error, diagnosis, failed_ancestor, output_files, duration_ms
		 FROM run_nodes WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: nodes: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var n NodeRecord
		var outputFiles string
		var nodeDurationMS int64
		if err := rows.Scan(&n.SkillID, &n.Status, &n.Attempts, &n.ExitCode, &n.ErrorKind,
			&n.Error, &n.Diagnosis, &n.FailedAncestor, &outputFiles, &nodeDurationMS); err != nil {
			return nil, fmt.Errorf("get run %s: nodes: %w", id, err)
		}
		n.Duration = time.Duration(nodeDurationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(outputFiles), &n.OutputFiles); err != nil {
			n.OutputFiles = nil
		}
		rec.Nodes = append(rec.Nodes, n)
	}
	return &rec, rows.Err()
}
