package interpreter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type is the direction of a money flow.
type Type string

const (
	Income  Type = "income"
	Expense Type = "expense"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	return t == Income || t == Expense
}

// Category classifies a transaction.
type Category string

const (
	Salary        Category = "salary"
	Freelance     Category = "freelance"
	Investment    Category = "investment"
	Food          Category = "food"
	Transport     Category = "transport"
	Housing       Category = "housing"
	Health        Category = "health"
	Entertainment Category = "entertainment"
	Education     Category = "education"
	Shopping      Category = "shopping"
	Bills         Category = "bills"
	Pix           Category = "pix"
	Other         Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{
	Salary, Freelance, Investment, Food, Transport, Housing, Health,
	Entertainment, Education, Shopping, Bills, Pix, Other,
}

var categoryLabels = map[Category]string{
	Salary:        "Salário",
	Freelance:     "Freelance",
	Investment:    "Investimento",
	Food:          "Alimentação",
	Transport:     "Transporte",
	Housing:       "Moradia",
	Health:        "Saúde",
	Entertainment: "Entretenimento",
	Education:     "Educação",
	Shopping:      "Compras",
	Bills:         "Contas",
	Pix:           "Transferência PIX",
	Other:         "Outros",
}

// Label returns the display label of the category.
func (c Category) Label() string {
	if label, ok := categoryLabels[c]; ok {
		return label
	}
	return categoryLabels[Other]
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// DateLayout is the wire format of candidate dates.
const DateLayout = "2006-01-02"

// Candidate is a tentative transaction extracted from a transcript, pending
// confirmation by the user.
type Candidate struct {
	Type        Type            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    Category        `json:"category"`
	Description string          `json:"description"`
	Date        time.Time       `json:"-"`
	Confidence  int             `json:"confidence"`
}

// DateString formats the candidate date as YYYY-MM-DD.
func (c Candidate) DateString() string {
	return c.Date.Format(DateLayout)
}
