package reports

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndGetReport(t *testing.T) {
	s := NewInMemory()
	r, err := s.CreateReport(context.Background(), Report{
		Title: "Q1 reserve adequacy", Portfolio: "P-100", Kind: "reserve", CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if r.ID == "" || r.Status != StatusDraft {
		t.Fatalf("report = %+v", r)
	}

	got, err := s.GetReport(context.Background(), Scope{}, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Title != r.Title {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestCreateReportValidation(t *testing.T) {
	s := NewInMemory()
	cases := []Report{
		{Portfolio: "P-100", Kind: "reserve"},
		{Title: "x", Kind: "reserve"},
		{Title: "x", Portfolio: "P-100"},
	}
	for i, r := range cases {
		if _, err := s.CreateReport(context.Background(), r); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: err = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestScopeHidesOtherPortfolios(t *testing.T) {
	s := NewInMemory()
	mine, err := s.CreateReport(context.Background(), Report{Title: "a", Portfolio: "P-100", Kind: "reserve"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	other, err := s.CreateReport(context.Background(), Report{Title: "b", Portfolio: "P-200", Kind: "reserve"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	scope := Scope{Portfolios: []string{"P-100"}}
	if _, err := s.GetReport(context.Background(), scope, mine.ID); err != nil {
		t.Fatalf("in-scope get: %v", err)
	}
	// Out-of-scope reads as missing, not forbidden.
	if _, err := s.GetReport(context.Background(), scope, other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-scope get: err = %v, want ErrNotFound", err)
	}

	list, err := s.ListReports(context.Background(), scope, "", 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("list = %+v", list)
	}

	// Unrestricted scope sees both.
	all, err := s.ListReports(context.Background(), Scope{}, "", 0)
	if err != nil {
		t.Fatalf("ListReports unrestricted: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unrestricted list has %d entries, want 2", len(all))
	}
}

func TestUpdateReportRespectsScope(t *testing.T) {
	s := NewInMemory()
	r, err := s.CreateReport(context.Background(), Report{Title: "a", Portfolio: "P-200", Kind: "reserve"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	scope := Scope{Portfolios: []string{"P-100"}}
	r.Title = "renamed"
	if _, err := s.UpdateReport(context.Background(), scope, r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-scope update: err = %v, want ErrNotFound", err)
	}

	// Moving a report into a portfolio outside the caller's scope is invalid.
	inScope, err := s.CreateReport(context.Background(), Report{Title: "b", Portfolio: "P-100", Kind: "reserve"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	inScope.Portfolio = "P-300"
	if _, err := s.UpdateReport(context.Background(), scope, inScope); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("cross-scope move: err = %v, want ErrInvalidInput", err)
	}
}

func TestFinalizeReport(t *testing.T) {
	s := NewInMemory()
	r, err := s.CreateReport(context.Background(), Report{Title: "a", Portfolio: "P-100", Kind: "reserve"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	got, err := s.FinalizeReport(context.Background(), Scope{}, r.ID)
	if err != nil {
		t.Fatalf("FinalizeReport: %v", err)
	}
	if got.Status != StatusFinal {
		t.Fatalf("status = %s", got.Status)
	}
	// Finalizing twice is a no-op.
	if _, err := s.FinalizeReport(context.Background(), Scope{}, r.ID); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
}

func TestCalculations(t *testing.T) {
	s := NewInMemory()
	res := 1234.56
	c, err := s.CreateCalculation(context.Background(), Calculation{
		Portfolio:   "P-100",
		Method:      "chain-ladder",
		Parameters:  map[string]float64{"tail_factor": 1.05},
		Result:      &res,
		RequestedBy: "u1",
	})
	if err != nil {
		t.Fatalf("CreateCalculation: %v", err)
	}
	if c.CompletedAt == nil {
		t.Fatal("completed calculation missing timestamp")
	}

	if _, err := s.CreateCalculation(context.Background(), Calculation{Portfolio: "P-100"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing method: err = %v, want ErrInvalidInput", err)
	}

	scope := Scope{Portfolios: []string{"P-200"}}
	if _, err := s.GetCalculation(context.Background(), scope, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-scope calculation: err = %v, want ErrNotFound", err)
	}
	list, err := s.ListCalculations(context.Background(), Scope{}, "P-100", 0)
	if err != nil {
		t.Fatalf("ListCalculations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list has %d entries, want 1", len(list))
	}
}
