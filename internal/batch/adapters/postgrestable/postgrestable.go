// Package postgrestable implements a read-only SQL-table Adapter for
// the server-side queue path, where a job points at a table/query
// instead of an uploaded file. Reads stream via a pgx cursor; writes
// go to a dedicated results table owned by the job.
package postgrestable

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/unit"
)

// Adapter reads units from the result rows of a read-only query and
// writes results into ResultsTable, keyed by job_id and _idx.
type Adapter struct {
	Pool         *pgxpool.Pool
	Query        string // must pass adapter.ReadOnlyQuery
	JobID        string
	ResultsTable string // must already be a quoted, caller-controlled identifier
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) Open(ctx context.Context) (adapter.Source, error) {
	if err := adapter.ReadOnlyQuery(a.Query); err != nil {
		return nil, err
	}
	rows, err := a.Pool.Query(ctx, a.Query)
	if err != nil {
		return nil, fmt.Errorf("postgrestable: open query: %w", err)
	}
	return &source{rows: rows}, nil
}

func (a *Adapter) OpenSink(ctx context.Context) (adapter.Sink, error) {
	if a.ResultsTable == "" {
		return nil, fmt.Errorf("postgrestable: results table not configured")
	}
	return &sink{pool: a.Pool, jobID: a.JobID, table: a.ResultsTable}, nil
}

type source struct {
	rows pgx.Rows
	idx  int
	cols []string
}

func (s *source) Next(ctx context.Context) (unit.Unit, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return unit.Unit{}, false, fmt.Errorf("postgrestable: row iteration: %w", err)
		}
		return unit.Unit{}, false, nil
	}
	if s.cols == nil {
		for _, fd := range s.rows.FieldDescriptions() {
			s.cols = append(s.cols, string(fd.Name))
		}
	}
	values, err := s.rows.Values()
	if err != nil {
		return unit.Unit{}, false, fmt.Errorf("postgrestable: scan row %d: %w", s.idx, err)
	}
	fields := make(map[string]any, len(values))
	for i, v := range values {
		if i < len(s.cols) {
			fields[s.cols[i]] = v
		}
	}
	u := unit.Unit{Idx: s.idx, Fields: fields}
	s.idx++
	return u, true, nil
}

func (s *source) Schema(ctx context.Context) ([]string, error) { return s.cols, nil }

func (s *source) Close() error {
	s.rows.Close()
	return nil
}

type sink struct {
	pool  *pgxpool.Pool
	jobID string
	table string
}

// WriteResults upserts rows keyed by (job_id, _idx); a re-write of the
// same _idx replaces the prior row, mirroring the checkpoint's
// last-write-wins dedup semantics at the database layer.
func (s *sink) WriteResults(ctx context.Context, results []unit.Result) error {
	batch := &pgx.Batch{}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (job_id, idx, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, idx) DO UPDATE SET payload = EXCLUDED.payload
	`, s.table)
	for _, r := range results {
		payload := map[string]any{}
		for k, v := range r.Fields {
			payload[k] = v
		}
		payload["result"] = r.Text
		payload["parse_error"] = r.ParseError
		payload["error"] = r.Error
		batch.Queue(stmt, s.jobID, r.Idx, payload)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgrestable: write result: %w", err)
		}
	}
	return nil
}

func (s *sink) Close() error { return nil }
