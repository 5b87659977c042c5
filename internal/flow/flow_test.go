// ABOUTME: Tests for flow definitions, triggers and step validators
// ABOUTME: Covers amount parsing, category matching and result building

package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTrigger(t *testing.T) {
	tests := map[string]Kind{
		"create income":       KindCreateIncome,
		"  Create   Income  ": KindCreateIncome,
		"/income":             KindCreateIncome,
		"/income@tally_bot":   KindCreateIncome,
		"/expense":            KindCreateExpense,
		"create category":     KindCreateCategory,
		"income":              KindNone,
		"hello":               KindNone,
		"":                    KindNone,
	}
	for in, want := range tests {
		assert.Equal(t, want, MatchTrigger(in), "input %q", in)
	}
}

func TestIsReceiptPrompt(t *testing.T) {
	assert.True(t, IsReceiptPrompt("/receipt"))
	assert.True(t, IsReceiptPrompt("/receipt@tally_bot"))
	assert.False(t, IsReceiptPrompt("receipt"))
}

func TestIsCancel(t *testing.T) {
	assert.True(t, IsCancel("/cancel"))
	assert.True(t, IsCancel(" Cancel "))
	assert.False(t, IsCancel("cancelled"))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "50", want: 5000},
		{in: "12.3", want: 1230},
		{in: "12,30", want: 1230},
		{in: "0.01", want: 1},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1.234", wantErr: true},
		{in: "1.", wantErr: true},
		{in: ".5", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				var ve *ValidationError
				require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
				assert.Equal(t, FieldAmount, ve.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "50", FormatAmount(5000))
	assert.Equal(t, "12.30", FormatAmount(1230))
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "-1.50", FormatAmount(-150))
}

func TestCategoryStep(t *testing.T) {
	def, ok := Lookup(KindCreateIncome)
	require.True(t, ok)
	step := def.Steps[1]
	require.True(t, step.NeedsCategories)

	t.Run("free form when no categories exist", func(t *testing.T) {
		got, err := step.Parse("  Salary ", nil, Env{})
		require.NoError(t, err)
		assert.Equal(t, "Salary", got)
	})

	t.Run("matches existing case-insensitively", func(t *testing.T) {
		got, err := step.Parse("salary", nil, Env{Categories: []string{"Salary", "Gifts"}})
		require.NoError(t, err)
		assert.Equal(t, "Salary", got)
	})

	t.Run("rejects unknown", func(t *testing.T) {
		_, err := step.Parse("Lottery", nil, Env{Categories: []string{"Salary"}})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, FieldCategory, ve.Field)
		assert.Contains(t, ve.Reason, "Salary")
	})

	t.Run("rejects commands", func(t *testing.T) {
		_, err := step.Parse("/income", nil, Env{})
		assert.Error(t, err)
	})
}

func TestDefinitionFinal(t *testing.T) {
	def, _ := Lookup(KindCreateCategory)
	assert.False(t, def.Final(0))
	assert.False(t, def.Final(1))
	assert.True(t, def.Final(2))
}

func TestBuildResult(t *testing.T) {
	t.Run("income", func(t *testing.T) {
		res, err := BuildResult(KindCreateIncome, map[string]string{
			FieldType:     TypeIncome,
			FieldAmount:   "5000",
			FieldCategory: "Salary",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Transaction)
		assert.Equal(t, Record{Type: TypeIncome, AmountMinor: 5000, Category: "Salary", Source: KindCreateIncome}, *res.Transaction)
		assert.Equal(t, `Saved income of 50 in "Salary".`, res.Summary())
	})

	t.Run("category", func(t *testing.T) {
		res, err := BuildResult(KindCreateCategory, map[string]string{FieldType: TypeExpense, FieldName: "Food"})
		require.NoError(t, err)
		require.NotNil(t, res.Category)
		assert.Equal(t, "Food", res.Category.Name)
	})

	t.Run("incomplete", func(t *testing.T) {
		_, err := BuildResult(KindCreateExpense, map[string]string{FieldType: TypeExpense})
		assert.ErrorIs(t, err, ErrIncomplete)
	})
}

func TestSeedFromRecord(t *testing.T) {
	seed := SeedFromRecord(&Record{AmountMinor: 1999, Category: "Groceries", Note: "Market"})
	assert.Equal(t, TypeExpense, seed[FieldType])
	assert.Equal(t, "1999", seed[FieldAmount])

	res, err := BuildResult(KindReceiptPhoto, seed)
	require.NoError(t, err)
	assert.Equal(t, KindReceiptPhoto, res.Transaction.Source)
	assert.Equal(t, "Market", res.Transaction.Note)
}
