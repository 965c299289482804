package voice

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vozfin/vozfin-core/internal/interpreter"
	"github.com/vozfin/vozfin-core/internal/ledger"
	"github.com/vozfin/vozfin-core/internal/protocol"
)

// ApplyEdits overrides the fields of e the user corrected before confirming.
// Amounts accept a decimal comma. The result is validated by the ledger.
func ApplyEdits(e ledger.Entry, edits *protocol.CandidateEdits) (ledger.Entry, error) {
	if edits == nil {
		return e, nil
	}
	if edits.Type != nil {
		e.Type = interpreter.Type(strings.TrimSpace(*edits.Type))
	}
	if edits.Amount != nil {
		raw := strings.ReplaceAll(strings.TrimSpace(*edits.Amount), ",", ".")
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return e, fmt.Errorf("%w: amount %q", ledger.ErrInvalidEntry, *edits.Amount)
		}
		e.Amount = amount
	}
	if edits.Category != nil {
		e.Category = interpreter.Category(strings.TrimSpace(*edits.Category))
	}
	if edits.Description != nil {
		e.Description = strings.TrimSpace(*edits.Description)
	}
	if edits.Date != nil {
		e.Date = strings.TrimSpace(*edits.Date)
	}
	return e, nil
}
