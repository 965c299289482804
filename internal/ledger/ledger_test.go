package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/interpreter"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), config.LedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.db"), DefaultLimit: 50}, logger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var n int
	base := time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	s.newID = func() string { return fmt.Sprintf("tx-%03d", n+1) }
	return s
}

func entry(txType interpreter.Type, amount string, category interpreter.Category, date string) Entry {
	return Entry{
		Type:        txType,
		Amount:      decimal.RequireFromString(amount),
		Category:    category,
		Description: "teste",
		Date:        date,
	}
}

func TestCreateAssignsIdentity(t *testing.T) {
	s := newStore(t)
	created, err := s.Create(context.Background(), entry(interpreter.Expense, "50.9", interpreter.Food, "2025-04-15"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", created)
	}
	if created.Amount.StringFixed(2) != "50.90" {
		t.Fatalf("unexpected amount %s", created.Amount)
	}

	list, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID || !list[0].Amount.Equal(decimal.RequireFromString("50.90")) {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestCreateFromCandidate(t *testing.T) {
	s := newStore(t)
	ref := time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC)
	c, ok := interpreter.Interpret("Gastei 50 reais no mercado hoje", ref)
	if !ok {
		t.Fatal("expected candidate")
	}
	e := FromCandidate(c)
	e.DeviceID = "phone"
	created, err := s.Create(context.Background(), e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Category != interpreter.Food || created.Date != "2025-04-15" || created.Confidence != 100 {
		t.Fatalf("unexpected entry %+v", created)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := newStore(t)
	bad := []Entry{
		entry("transfer", "10", interpreter.Other, "2025-04-15"),
		entry(interpreter.Expense, "10", "rent", "2025-04-15"),
		entry(interpreter.Expense, "0", interpreter.Other, "2025-04-15"),
		entry(interpreter.Expense, "-5", interpreter.Other, "2025-04-15"),
		entry(interpreter.Expense, "1.234", interpreter.Other, "2025-04-15"),
		entry(interpreter.Expense, "10", interpreter.Other, "15/04/2025"),
	}
	blank := entry(interpreter.Expense, "10", interpreter.Other, "2025-04-15")
	blank.Description = "  "
	bad = append(bad, blank)

	for i, e := range bad {
		if _, err := s.Create(context.Background(), e); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("case %d: expected ErrInvalidEntry, got %v", i, err)
		}
	}
	list, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("invalid entries were stored: %+v", list)
	}
}

func TestOnCreateHooks(t *testing.T) {
	s := newStore(t)
	var seen []string
	s.OnCreate(func(e Entry) { seen = append(seen, e.ID) })

	if _, err := s.Create(context.Background(), entry(interpreter.Expense, "0", interpreter.Other, "2025-04-15")); err == nil {
		t.Fatal("expected invalid entry")
	}
	created, err := s.Create(context.Background(), entry(interpreter.Income, "10", interpreter.Pix, "2025-04-15"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(seen) != 1 || seen[0] != created.ID {
		t.Fatalf("expected hook for stored entry only, got %v", seen)
	}
}

func TestListFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed := []Entry{
		entry(interpreter.Income, "3000", interpreter.Salary, "2025-04-05"),
		entry(interpreter.Expense, "120", interpreter.Housing, "2025-04-10"),
		entry(interpreter.Expense, "50", interpreter.Food, "2025-04-15"),
		entry(interpreter.Expense, "80", interpreter.Food, "2025-03-30"),
	}
	for _, e := range seed {
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	april, err := s.List(ctx, Filter{Year: 2025, Month: time.April})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(april) != 3 || april[0].Date != "2025-04-15" || april[2].Date != "2025-04-05" {
		t.Fatalf("unexpected april entries %+v", april)
	}

	food, err := s.List(ctx, Filter{Category: interpreter.Food})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(food) != 2 {
		t.Fatalf("expected 2 food entries, got %d", len(food))
	}

	income, err := s.List(ctx, Filter{Type: interpreter.Income, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(income) != 1 || income[0].Category != interpreter.Salary {
		t.Fatalf("unexpected income entries %+v", income)
	}
}

func TestSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed := []Entry{
		entry(interpreter.Income, "3000", interpreter.Salary, "2025-04-05"),
		entry(interpreter.Income, "500.50", interpreter.Freelance, "2025-04-20"),
		entry(interpreter.Expense, "150", interpreter.Housing, "2025-04-10"),
		entry(interpreter.Expense, "50", interpreter.Food, "2025-04-15"),
		entry(interpreter.Expense, "25.25", interpreter.Food, "2025-04-16"),
		entry(interpreter.Expense, "999", interpreter.Shopping, "2025-05-01"),
	}
	for _, e := range seed {
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	sum, err := s.Summary(ctx, 2025, time.April)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Month != "2025-04" || sum.Count != 5 {
		t.Fatalf("unexpected summary header %+v", sum)
	}
	if sum.TotalIncome.StringFixed(2) != "3500.50" || sum.TotalExpense.StringFixed(2) != "225.25" {
		t.Fatalf("unexpected totals income=%s expense=%s", sum.TotalIncome, sum.TotalExpense)
	}
	if sum.Balance.StringFixed(2) != "3275.25" {
		t.Fatalf("unexpected balance %s", sum.Balance)
	}
	if len(sum.Categories) != 2 {
		t.Fatalf("expected 2 expense categories, got %+v", sum.Categories)
	}
	if sum.Categories[0].Category != interpreter.Housing || sum.Categories[0].Percentage.StringFixed(2) != "66.59" {
		t.Fatalf("unexpected first category %+v", sum.Categories[0])
	}
	if sum.Categories[1].Category != interpreter.Food || sum.Categories[1].Percentage.StringFixed(2) != "33.41" {
		t.Fatalf("unexpected second category %+v", sum.Categories[1])
	}
}

func TestSummaryEmptyMonth(t *testing.T) {
	s := newStore(t)
	sum, err := s.Summary(context.Background(), 2024, time.December)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.Balance.IsZero() || len(sum.Categories) != 0 || len(sum.Transactions) != 0 {
		t.Fatalf("expected empty summary, got %+v", sum)
	}
	if _, err := s.Summary(context.Background(), 2024, 13); err == nil {
		t.Fatal("expected invalid month error")
	}
}
