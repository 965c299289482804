// Package interpreter turns a spoken transcript into a transaction candidate
// using keyword rules. It performs no I/O and reads no clock: the reference
// date is passed by the caller.
package interpreter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const number = `(\d+(?:[.,]\d{1,2})?)`

var (
	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(number + `\s*(?:reais?|r\$|brl)`),
		regexp.MustCompile(`r\$\s*` + number),
		regexp.MustCompile(number),
	}

	dayPatterns = []*regexp.Regexp{
		regexp.MustCompile(`dia\s+(\d{1,2})`),
		regexp.MustCompile(`\b(\d{1,2})\s+de\s+(?:` + strings.Join(monthNames, "|") + `)`),
	}

	actionWords    = regexp.MustCompile(`gastei|recebi|paguei|comprei|adicionar|gasto|entrada`)
	amountCurrency = regexp.MustCompile(`\d+(?:[.,]\d{1,2})?\s*(?:reais?|r\$|brl)`)
	dateWords      = regexp.MustCompile(`anteontem|hoje|ontem|agora`)
)

const (
	scoreAmount   = 40
	scoreType     = 30
	scoreCategory = 30

	minDescriptionLen = 3
)

// Interpret extracts a transaction candidate from text. The boolean is false
// when no positive amount could be found; every other field always resolves,
// possibly to a default.
func Interpret(text string, ref time.Time) (Candidate, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Candidate{}, false
	}

	amount, ok := extractAmount(lower)
	if !ok {
		return Candidate{}, false
	}

	txType, typeSignalled := classifyType(lower)
	category, categorySignalled := classifyCategory(lower, txType)

	confidence := scoreAmount
	if typeSignalled {
		confidence += scoreType
	}
	if categorySignalled {
		confidence += scoreCategory
	}

	return Candidate{
		Type:        txType,
		Amount:      amount,
		Category:    category,
		Description: describe(lower, category),
		Date:        resolveDate(lower, ref),
		Confidence:  clamp(confidence, 0, 100),
	}, true
}

func extractAmount(text string) (decimal.Decimal, bool) {
	for _, pattern := range amountPatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		value, err := decimal.NewFromString(strings.Replace(match[1], ",", ".", 1))
		if err != nil || !value.IsPositive() {
			return decimal.Decimal{}, false
		}
		return value.Round(2), true
	}
	return decimal.Decimal{}, false
}

// classifyType leans towards expense: income wins only when no expense
// keyword is present. The second result reports whether the chosen type was
// backed by a keyword.
func classifyType(text string) (Type, bool) {
	hasIncome := containsAny(text, incomeKeywords)
	hasExpense := containsAny(text, expenseKeywords)
	if hasIncome && !hasExpense {
		return Income, true
	}
	return Expense, hasExpense
}

func classifyCategory(text string, txType Type) (Category, bool) {
	for _, entry := range categoryKeywords {
		if strings.Contains(text, entry.keyword) {
			return entry.category, true
		}
	}
	if txType == Income {
		return Salary, false
	}
	return Other, false
}

func resolveDate(text string, ref time.Time) time.Time {
	year, month, day := ref.Date()
	base := time.Date(year, month, day, 0, 0, 0, 0, ref.Location())

	for _, entry := range dateKeywords {
		if strings.Contains(text, entry.keyword) {
			return base.AddDate(0, 0, entry.offset)
		}
	}

	for _, pattern := range dayPatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		n = clamp(n, 1, daysIn(year, month, ref.Location()))
		return time.Date(year, month, n, 0, 0, 0, 0, ref.Location())
	}

	return base
}

func describe(text string, category Category) string {
	desc := actionWords.ReplaceAllString(text, "")
	desc = amountCurrency.ReplaceAllString(desc, "")
	desc = dateWords.ReplaceAllString(desc, "")
	desc = strings.TrimSpace(desc)

	if utf8.RuneCountInString(desc) < minDescriptionLen {
		return category.Label()
	}
	first, size := utf8.DecodeRuneInString(desc)
	return string(unicode.ToUpper(first)) + desc[size:]
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
