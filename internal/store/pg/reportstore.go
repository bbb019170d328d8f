package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"actuaria.org/internal/ids"
	"actuaria.org/internal/reports"
)

// ReportStore implements reports.Service on PostgreSQL. Portfolio scoping is
// pushed into the SQL so out-of-scope rows never leave the database.
type ReportStore struct{ db *sql.DB }

var _ reports.Service = (*ReportStore)(nil)

// Reports returns the relational report service backed by this store's pool.
func (s *Store) Reports() *ReportStore { return &ReportStore{db: s.db} }

// scopeClause renders "portfolio = any(...)" when the scope is restricted.
// Returns the clause and the appended args.
func scopeClause(scope reports.Scope, col string, args []any) (string, []any) {
	if len(scope.Portfolios) == 0 {
		return "", args
	}
	args = append(args, scope.Portfolios)
	return fmt.Sprintf(" and %s = any($%d)", col, len(args)), args
}

func (s *ReportStore) CreateReport(ctx context.Context, r reports.Report) (reports.Report, error) {
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Portfolio) == "" || strings.TrimSpace(r.Kind) == "" {
		return reports.Report{}, fmt.Errorf("%w: title, portfolio and kind are required", reports.ErrInvalidInput)
	}
	r.ID = ids.New()
	if r.Status == "" {
		r.Status = reports.StatusDraft
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into reports(id, title, portfolio, region, kind, status, summary, created_by)
		values($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.Title, r.Portfolio, r.Region, r.Kind, r.Status, r.Summary, r.CreatedBy)
	if err != nil {
		return reports.Report{}, err
	}
	return r, nil
}

const reportColumns = `id, title, portfolio, coalesce(region,''), kind, status, coalesce(summary,''), created_by, created_at, updated_at`

func scanReport(row interface{ Scan(...any) error }) (reports.Report, error) {
	var r reports.Report
	err := row.Scan(&r.ID, &r.Title, &r.Portfolio, &r.Region, &r.Kind, &r.Status, &r.Summary, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reports.Report{}, reports.ErrNotFound
	}
	if err != nil {
		return reports.Report{}, err
	}
	return r, nil
}

func (s *ReportStore) GetReport(ctx context.Context, scope reports.Scope, id string) (reports.Report, error) {
	args := []any{id}
	clause, args := scopeClause(scope, "portfolio", args)
	return scanReport(s.db.QueryRowContext(ctx,
		`select `+reportColumns+` from reports where id=$1`+clause, args...))
}

func (s *ReportStore) ListReports(ctx context.Context, scope reports.Scope, portfolio string, limit int) ([]reports.Report, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args := []any{limit}
	where := "true"
	if portfolio != "" {
		args = append(args, portfolio)
		where = fmt.Sprintf("portfolio = $%d", len(args))
	}
	clause, args := scopeClause(scope, "portfolio", args)
	rows, err := s.db.QueryContext(ctx, `
		select `+reportColumns+`
		from reports
		where `+where+clause+`
		order by created_at desc
		limit $1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []reports.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *ReportStore) UpdateReport(ctx context.Context, scope reports.Scope, r reports.Report) (reports.Report, error) {
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Portfolio) == "" || strings.TrimSpace(r.Kind) == "" {
		return reports.Report{}, fmt.Errorf("%w: title, portfolio and kind are required", reports.ErrInvalidInput)
	}
	if !scope.Allows(r.Portfolio) {
		return reports.Report{}, fmt.Errorf("%w: portfolio outside scope", reports.ErrInvalidInput)
	}
	args := []any{r.ID, r.Title, r.Portfolio, r.Region, r.Kind, r.Summary}
	clause, args := scopeClause(scope, "portfolio", args)
	return scanReport(s.db.QueryRowContext(ctx, `
		update reports
		set title=$2, portfolio=$3, region=$4, kind=$5, summary=$6, updated_at=now()
		where id=$1`+clause+`
		returning `+reportColumns, args...))
}

func (s *ReportStore) FinalizeReport(ctx context.Context, scope reports.Scope, id string) (reports.Report, error) {
	args := []any{id, reports.StatusFinal}
	clause, args := scopeClause(scope, "portfolio", args)
	return scanReport(s.db.QueryRowContext(ctx, `
		update reports set status=$2, updated_at=now()
		where id=$1`+clause+`
		returning `+reportColumns, args...))
}

func (s *ReportStore) CreateCalculation(ctx context.Context, c reports.Calculation) (reports.Calculation, error) {
	if strings.TrimSpace(c.Portfolio) == "" || strings.TrimSpace(c.Method) == "" {
		return reports.Calculation{}, fmt.Errorf("%w: portfolio and method are required", reports.ErrInvalidInput)
	}
	c.ID = ids.New()
	now := time.Now().UTC()
	c.CreatedAt = now
	if c.Status == "" {
		c.Status = "completed"
	}
	if c.Result != nil && c.CompletedAt == nil {
		c.CompletedAt = &now
	}
	params, _ := json.Marshal(c.Parameters)
	_, err := s.db.ExecContext(ctx, `
		insert into calculations(id, portfolio, method, parameters, result, status, requested_by, completed_at)
		values($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.Portfolio, c.Method, params, c.Result, c.Status, c.RequestedBy, c.CompletedAt)
	if err != nil {
		return reports.Calculation{}, err
	}
	return c, nil
}

const calcColumns = `id, portfolio, method, parameters, result, status, requested_by, created_at, completed_at`

func scanCalculation(row interface{ Scan(...any) error }) (reports.Calculation, error) {
	var (
		c      reports.Calculation
		params []byte
	)
	err := row.Scan(&c.ID, &c.Portfolio, &c.Method, &params, &c.Result, &c.Status, &c.RequestedBy, &c.CreatedAt, &c.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reports.Calculation{}, reports.ErrNotFound
	}
	if err != nil {
		return reports.Calculation{}, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &c.Parameters)
	}
	return c, nil
}

func (s *ReportStore) GetCalculation(ctx context.Context, scope reports.Scope, id string) (reports.Calculation, error) {
	args := []any{id}
	clause, args := scopeClause(scope, "portfolio", args)
	return scanCalculation(s.db.QueryRowContext(ctx,
		`select `+calcColumns+` from calculations where id=$1`+clause, args...))
}

func (s *ReportStore) ListCalculations(ctx context.Context, scope reports.Scope, portfolio string, limit int) ([]reports.Calculation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args := []any{limit}
	where := "true"
	if portfolio != "" {
		args = append(args, portfolio)
		where = fmt.Sprintf("portfolio = $%d", len(args))
	}
	clause, args := scopeClause(scope, "portfolio", args)
	rows, err := s.db.QueryContext(ctx, `
		select `+calcColumns+`
		from calculations
		where `+where+clause+`
		order by created_at desc
		limit $1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []reports.Calculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
