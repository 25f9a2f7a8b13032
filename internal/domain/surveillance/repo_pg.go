package surveillance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG reads and writes the reference dataset in the case_report table.
type RepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a RepoPG backed by pool.
func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const caseReportCols = `entity, report_date, cases, deaths`

func (r *RepoPG) LoadReference(ctx context.Context) ([]CaseRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+caseReportCols+` FROM case_report ORDER BY report_date, seq`)
	if err != nil {
		return nil, fmt.Errorf("query case reports: %w", err)
	}
	defer rows.Close()

	var out []CaseRecord
	for rows.Next() {
		var rec CaseRecord
		if err := rows.Scan(&rec.Entity, &rec.Date, &rec.Cases, &rec.Deaths); err != nil {
			return nil, fmt.Errorf("scan case report: %w", err)
		}
		rec.Date = Day(rec.Date)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case reports: %w", err)
	}
	if len(out) == 0 {
		return nil, &FormatError{Reason: "case_report table is empty", Err: ErrNoData}
	}
	return out, nil
}

// ReplaceReference swaps the table contents for records in one transaction
// and records the load in dataset_load.
func (r *RepoPG) ReplaceReference(ctx context.Context, source string, records []CaseRecord) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM case_report`); err != nil {
		return 0, fmt.Errorf("clear case reports: %w", err)
	}

	rows := make([][]interface{}, len(records))
	for i, rec := range records {
		rows[i] = []interface{}{uuid.New(), i, rec.Entity, rec.Date, rec.Cases, rec.Deaths}
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"case_report"},
		[]string{"id", "seq", "entity", "report_date", "cases", "deaths"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy case reports: %w", err)
	}
	entities := len(NewDataset(records).Entities())
	if _, err := tx.Exec(ctx,
		`INSERT INTO dataset_load (source, records, entities) VALUES ($1, $2, $3)`,
		source, n, entities,
	); err != nil {
		return 0, fmt.Errorf("record dataset load: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit case reports: %w", err)
	}
	return n, nil
}
