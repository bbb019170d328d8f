package reports

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"actuaria.org/internal/ids"
)

// Service defines the report and calculation operations. Every read takes a
// Scope so portfolio restrictions are enforced at the data layer rather than
// in each handler.
type Service interface {
	CreateReport(ctx context.Context, r Report) (Report, error)
	GetReport(ctx context.Context, scope Scope, id string) (Report, error)
	ListReports(ctx context.Context, scope Scope, portfolio string, limit int) ([]Report, error)
	UpdateReport(ctx context.Context, scope Scope, r Report) (Report, error)
	FinalizeReport(ctx context.Context, scope Scope, id string) (Report, error)

	CreateCalculation(ctx context.Context, c Calculation) (Calculation, error)
	GetCalculation(ctx context.Context, scope Scope, id string) (Calculation, error)
	ListCalculations(ctx context.Context, scope Scope, portfolio string, limit int) ([]Calculation, error)
}

func validateReport(r Report) error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Portfolio) == "" {
		return fmt.Errorf("%w: portfolio is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidInput)
	}
	return nil
}

func validateCalculation(c Calculation) error {
	if strings.TrimSpace(c.Portfolio) == "" {
		return fmt.Errorf("%w: portfolio is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.Method) == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidInput)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// InMemory implements Service with in-process concurrency safety. It backs
// tests and DSN-less development runs; production uses internal/store/pg.
type InMemory struct {
	mu    sync.RWMutex
	rpts  map[string]*Report
	calcs map[string]*Calculation
}

// NewInMemory creates an empty report store.
func NewInMemory() *InMemory {
	return &InMemory{
		rpts:  make(map[string]*Report),
		calcs: make(map[string]*Calculation),
	}
}

func (s *InMemory) CreateReport(_ context.Context, r Report) (Report, error) {
	if err := validateReport(r); err != nil {
		return Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r.ID = ids.New()
	if r.Status == "" {
		r.Status = StatusDraft
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := r
	s.rpts[r.ID] = &cp
	return r, nil
}

func (s *InMemory) GetReport(_ context.Context, scope Scope, id string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rpts[id]
	// Out-of-scope rows read as missing so existence does not leak.
	if !ok || !scope.Allows(r.Portfolio) {
		return Report{}, ErrNotFound
	}
	return *r, nil
}

func (s *InMemory) ListReports(_ context.Context, scope Scope, portfolio string, limit int) ([]Report, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Report, 0, limit)
	for _, r := range s.rpts {
		if portfolio != "" && r.Portfolio != portfolio {
			continue
		}
		if !scope.Allows(r.Portfolio) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) UpdateReport(_ context.Context, scope Scope, r Report) (Report, error) {
	if err := validateReport(r); err != nil {
		return Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rpts[r.ID]
	if !ok || !scope.Allows(cur.Portfolio) {
		return Report{}, ErrNotFound
	}
	if !scope.Allows(r.Portfolio) {
		return Report{}, fmt.Errorf("%w: portfolio outside scope", ErrInvalidInput)
	}
	cur.Title = r.Title
	cur.Portfolio = r.Portfolio
	cur.Region = r.Region
	cur.Kind = r.Kind
	cur.Summary = r.Summary
	cur.UpdatedAt = time.Now().UTC()
	return *cur, nil
}

func (s *InMemory) FinalizeReport(_ context.Context, scope Scope, id string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rpts[id]
	if !ok || !scope.Allows(r.Portfolio) {
		return Report{}, ErrNotFound
	}
	if r.Status == StatusFinal {
		return *r, nil
	}
	r.Status = StatusFinal
	r.UpdatedAt = time.Now().UTC()
	return *r, nil
}

func (s *InMemory) CreateCalculation(_ context.Context, c Calculation) (Calculation, error) {
	if err := validateCalculation(c); err != nil {
		return Calculation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c.ID = ids.New()
	if c.Status == "" {
		c.Status = "completed"
	}
	c.CreatedAt = now
	if c.Result != nil && c.CompletedAt == nil {
		c.CompletedAt = &now
	}
	cp := c
	s.calcs[c.ID] = &cp
	return c, nil
}

func (s *InMemory) GetCalculation(_ context.Context, scope Scope, id string) (Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calcs[id]
	if !ok || !scope.Allows(c.Portfolio) {
		return Calculation{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) ListCalculations(_ context.Context, scope Scope, portfolio string, limit int) ([]Calculation, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Calculation, 0, limit)
	for _, c := range s.calcs {
		if portfolio != "" && c.Portfolio != portfolio {
			continue
		}
		if !scope.Allows(c.Portfolio) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
