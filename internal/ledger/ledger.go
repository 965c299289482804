// Package ledger stores confirmed transactions and aggregates them per month.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/interpreter"
	_ "modernc.org/sqlite"
)

const (
	timeLayout        = "2006-01-02T15:04:05.000000000Z07:00"
	maxDescriptionLen = 200
)

// ErrInvalidEntry wraps every validation failure returned by Create.
var ErrInvalidEntry = errors.New("invalid entry")

// Entry is a stored transaction. Entries are append-only.
type Entry struct {
	ID          string               `json:"id"`
	Type        interpreter.Type     `json:"type"`
	Amount      decimal.Decimal      `json:"amount"`
	Category    interpreter.Category `json:"category"`
	Description string               `json:"description"`
	Date        string               `json:"date"`
	DeviceID    string               `json:"device_id,omitempty"`
	Confidence  int                  `json:"confidence"`
	CreatedAt   time.Time            `json:"created_at"`
}

// FromCandidate builds an unsaved entry from an interpreted candidate.
func FromCandidate(c interpreter.Candidate) Entry {
	return Entry{
		Type:        c.Type,
		Amount:      c.Amount,
		Category:    c.Category,
		Description: c.Description,
		Date:        c.DateString(),
		Confidence:  c.Confidence,
	}
}

// Validate checks the fields a caller supplies on Create.
func (e Entry) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: type %q must be income or expense", ErrInvalidEntry, e.Type)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidEntry, e.Category)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	if e.Amount.Exponent() < -2 && !e.Amount.Equal(e.Amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("%w: description must not be empty", ErrInvalidEntry)
	}
	if utf8.RuneCountInString(e.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description longer than %d characters", ErrInvalidEntry, maxDescriptionLen)
	}
	if _, err := time.Parse(interpreter.DateLayout, e.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidEntry)
	}
	if e.Confidence < 0 || e.Confidence > 100 {
		return fmt.Errorf("%w: confidence must be within 0..100", ErrInvalidEntry)
	}
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Year     int
	Month    time.Month
	Type     interpreter.Type
	Category interpreter.Category
	Limit    int
}

// CategorySummary is the share of one category in a month's expenses.
type CategorySummary struct {
	Category   interpreter.Category `json:"category"`
	Label      string               `json:"label"`
	Total      decimal.Decimal      `json:"total"`
	Percentage decimal.Decimal      `json:"percentage"`
}

// MonthSummary aggregates the entries dated within one month.
type MonthSummary struct {
	Month        string            `json:"month"`
	TotalIncome  decimal.Decimal   `json:"total_income"`
	TotalExpense decimal.Decimal   `json:"total_expense"`
	Balance      decimal.Decimal   `json:"balance"`
	Count        int               `json:"count"`
	Categories   []CategorySummary `json:"categories"`
	Transactions []Entry           `json:"transactions"`
}

type Store struct {
	db    *sql.DB
	cfg   config.LedgerConfig
	log   *slog.Logger
	clock func() time.Time
	newID func() string

	hooksMu sync.RWMutex
	hooks   []func(Entry)
}

// Open creates the sqlite database at cfg.Path if needed.
func Open(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   log.With(slog.String("component", "ledger")),
		clock: time.Now,
		newID: uuid.NewString,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("ledger vacuum failed", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    amount TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT NOT NULL,
    date TEXT NOT NULL,
    device_id TEXT,
    confidence INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create validates e, assigns an id and creation time, and stores it. The
// amount is normalised to two decimal places.
func (s *Store) Create(ctx context.Context, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e.ID = s.newID()
	e.Amount = e.Amount.Round(2)
	e.Description = strings.TrimSpace(e.Description)
	e.CreatedAt = s.clock().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions(id, type, amount, category, description, date, device_id, confidence, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Amount.StringFixed(2), string(e.Category), e.Description, e.Date,
		e.DeviceID, e.Confidence, e.CreatedAt.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("insert transaction: %w", err)
	}
	s.log.Debug("transaction stored", slog.String("id", e.ID), slog.String("type", string(e.Type)))

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(e)
	}
	return e, nil
}

// OnCreate registers fn to run after every stored entry, whichever caller
// wrote it.
func (s *Store) OnCreate(fn func(Entry)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// List returns entries matching f, newest date first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Year > 0 && f.Month >= time.January && f.Month <= time.December {
		from, to := monthBounds(f.Year, f.Month)
		clauses = append(clauses, "date >= ? AND date < ?")
		args = append(args, from, to)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(f.Category))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, type, amount, category, description, date, device_id, confidence, created_at FROM transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	return s.query(ctx, query, args...)
}

// Summary aggregates every entry dated in the given month.
func (s *Store) Summary(ctx context.Context, year int, month time.Month) (MonthSummary, error) {
	if month < time.January || month > time.December {
		return MonthSummary{}, fmt.Errorf("invalid month %d", month)
	}
	from, to := monthBounds(year, month)
	entries, err := s.query(ctx,
		`SELECT id, type, amount, category, description, date, device_id, confidence, created_at
		 FROM transactions WHERE date >= ? AND date < ? ORDER BY date DESC, created_at DESC`, from, to)
	if err != nil {
		return MonthSummary{}, err
	}
	summary := Summarize(entries)
	summary.Month = fmt.Sprintf("%04d-%02d", year, int(month))
	return summary, nil
}

// Summarize computes totals, balance and per-category expense shares.
// Categories are ordered by total, largest first.
func Summarize(entries []Entry) MonthSummary {
	summary := MonthSummary{
		TotalIncome:  decimal.Zero,
		TotalExpense: decimal.Zero,
		Balance:      decimal.Zero,
		Count:        len(entries),
		Categories:   []CategorySummary{},
		Transactions: entries,
	}
	if summary.Transactions == nil {
		summary.Transactions = []Entry{}
	}

	totals := make(map[interpreter.Category]decimal.Decimal)
	for _, e := range entries {
		switch e.Type {
		case interpreter.Income:
			summary.TotalIncome = summary.TotalIncome.Add(e.Amount)
		case interpreter.Expense:
			summary.TotalExpense = summary.TotalExpense.Add(e.Amount)
			totals[e.Category] = totals[e.Category].Add(e.Amount)
		}
	}
	summary.Balance = summary.TotalIncome.Sub(summary.TotalExpense)

	hundred := decimal.NewFromInt(100)
	for category, total := range totals {
		cs := CategorySummary{
			Category:   category,
			Label:      category.Label(),
			Total:      total,
			Percentage: decimal.Zero,
		}
		if summary.TotalExpense.IsPositive() {
			cs.Percentage = total.Mul(hundred).DivRound(summary.TotalExpense, 2)
		}
		summary.Categories = append(summary.Categories, cs)
	}
	sort.Slice(summary.Categories, func(i, j int) bool {
		a, b := summary.Categories[i], summary.Categories[j]
		if cmp := a.Total.Cmp(b.Total); cmp != 0 {
			return cmp > 0
		}
		return a.Category < b.Category
	})
	return summary
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			txType   string
			amount   string
			category string
			deviceID sql.NullString
			created  string
		)
		if err := rows.Scan(&e.ID, &txType, &amount, &category, &e.Description, &e.Date, &deviceID, &e.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		e.Type = interpreter.Type(txType)
		e.Category = interpreter.Category(category)
		e.DeviceID = deviceID.String
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", e.ID, err)
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func monthBounds(year int, month time.Month) (string, string) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return first.Format(interpreter.DateLayout), first.AddDate(0, 1, 0).Format(interpreter.DateLayout)
}
