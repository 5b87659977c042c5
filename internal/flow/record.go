// ABOUTME: Completed-flow outputs handed to the record store
// ABOUTME: Converts a conversation's collected fields into typed records

package flow

import (
	"fmt"
	"strconv"
)

// Record is a finalized transaction produced by an income, expense or receipt flow.
type Record struct {
	Type        string // TypeIncome or TypeExpense
	AmountMinor int64
	Category    string
	Note        string
	Source      Kind
}

// CategoryRecord is the output of a create-category flow.
type CategoryRecord struct {
	Type string
	Name string
}

// Result is what a completed flow produces. Exactly one field is set.
type Result struct {
	Transaction *Record
	Category    *CategoryRecord
}

// BuildResult converts collected flow data into a Result.
func BuildResult(kind Kind, collected map[string]string) (*Result, error) {
	switch kind {
	case KindCreateIncome, KindCreateExpense, KindReceiptPhoto:
		rec, err := buildRecord(kind, collected)
		if err != nil {
			return nil, err
		}
		return &Result{Transaction: rec}, nil
	case KindCreateCategory:
		typ, name := collected[FieldType], collected[FieldName]
		if typ == "" || name == "" {
			return nil, fmt.Errorf("%w: category needs type and name", ErrIncomplete)
		}
		return &Result{Category: &CategoryRecord{Type: typ, Name: name}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown flow %q", ErrIncomplete, kind)
	}
}

func buildRecord(kind Kind, collected map[string]string) (*Record, error) {
	typ := collected[FieldType]
	if typ != TypeIncome && typ != TypeExpense {
		return nil, fmt.Errorf("%w: type %q", ErrIncomplete, typ)
	}
	amount, err := strconv.ParseInt(collected[FieldAmount], 10, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrIncomplete, collected[FieldAmount])
	}
	category := collected[FieldCategory]
	if category == "" {
		return nil, fmt.Errorf("%w: category", ErrIncomplete)
	}
	return &Record{
		Type:        typ,
		AmountMinor: amount,
		Category:    category,
		Note:        collected[FieldNote],
		Source:      kind,
	}, nil
}

// Summary renders a one-line confirmation of a result.
func (r *Result) Summary() string {
	switch {
	case r.Transaction != nil:
		return fmt.Sprintf("Saved %s of %s in %q.", r.Transaction.Type, FormatAmount(r.Transaction.AmountMinor), r.Transaction.Category)
	case r.Category != nil:
		return fmt.Sprintf("Created %s category %q.", r.Category.Type, r.Category.Name)
	default:
		return "Done."
	}
}

// SeedFromRecord pre-fills collected fields from an extracted record, as used by
// the receipt flow before asking for confirmation.
func SeedFromRecord(rec *Record) map[string]string {
	typ := rec.Type
	if typ == "" {
		typ = TypeExpense
	}
	return map[string]string{
		FieldType:     typ,
		FieldAmount:   strconv.FormatInt(rec.AmountMinor, 10),
		FieldCategory: rec.Category,
		FieldNote:     rec.Note,
	}
}
