package reports

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("reports: not found")
	ErrInvalidInput = errors.New("reports: invalid input")
)

// ReportStatus tracks a report through its lifecycle.
type ReportStatus string

const (
	StatusDraft      ReportStatus = "draft"
	StatusFinal      ReportStatus = "final"
	StatusSuperseded ReportStatus = "superseded"
)

// Report is one actuarial report tied to a portfolio.
type Report struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Portfolio string       `json:"portfolio"`
	Region    string       `json:"region,omitempty"`
	Kind      string       `json:"kind"`
	Status    ReportStatus `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	CreatedBy string       `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Calculation is one reserve or projection run against a portfolio.
type Calculation struct {
	ID          string             `json:"id"`
	Portfolio   string             `json:"portfolio"`
	Method      string             `json:"method"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
	Result      *float64           `json:"result,omitempty"`
	Status      string             `json:"status"`
	RequestedBy string             `json:"requested_by"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Scope limits visibility to a set of portfolios. An empty list means
// unrestricted; out-of-scope rows read as if they did not exist.
type Scope struct {
	Portfolios []string
}

// Allows reports whether the scope covers a portfolio.
func (s Scope) Allows(portfolio string) bool {
	if len(s.Portfolios) == 0 {
		return true
	}
	for _, p := range s.Portfolios {
		if p == portfolio {
			return true
		}
	}
	return false
}
