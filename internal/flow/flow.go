// ABOUTME: Multi-step conversation flow definitions for the bot sessions
// ABOUTME: Each flow kind is a fixed table of steps with prompts and input validators

package flow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags which multi-step flow a conversation is in.
// The zero value means no flow is active.
type Kind string

const (
	KindNone           Kind = ""
	KindCreateIncome   Kind = "create_income"
	KindCreateExpense  Kind = "create_expense"
	KindCreateCategory Kind = "create_category"
	KindReceiptPhoto   Kind = "receipt_photo"
)

// Field names stored in a conversation's collected map.
const (
	FieldType     = "type"
	FieldAmount   = "amount" // minor units, base 10
	FieldCategory = "category"
	FieldName     = "name"
	FieldNote     = "note"
	FieldConfirm  = "confirm"
)

// Record types.
const (
	TypeIncome  = "income"
	TypeExpense = "expense"
)

// maxCategoryName bounds category names accepted from chat input.
const maxCategoryName = 64

// ValidationError reports user input that does not fit the current step.
// It never leaves the session: the step is re-prompted instead.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrIncomplete is returned by BuildResult when collected data lacks a required field.
var ErrIncomplete = errors.New("flow data incomplete")

// Env carries per-step context the validators need.
type Env struct {
	// Categories lists the tenant's category names for the flow's record type.
	// When empty, any well-formed category name is accepted.
	Categories []string
}

// Step is one prompt/answer exchange within a flow.
type Step struct {
	Field string
	// Prompt is sent when the step is entered and on re-prompt.
	Prompt string
	// NeedsCategories asks the session to load Env.Categories before Parse.
	NeedsCategories bool
	// Parse validates raw input and returns the normalized value to store.
	Parse func(input string, collected map[string]string, env Env) (string, error)
}

// Definition is the ordered step table of one flow kind.
type Definition struct {
	Kind  Kind
	Title string
	Steps []Step
	// Seed holds values placed in collected when the flow starts.
	Seed map[string]string
}

// Lookup returns the definition for a flow kind.
func Lookup(kind Kind) (*Definition, bool) {
	d, ok := definitions[kind]
	return d, ok
}

// Final reports whether step is past the last step of the definition.
func (d *Definition) Final(step int) bool {
	return step >= len(d.Steps)
}

var definitions = map[Kind]*Definition{
	KindCreateIncome: {
		Kind:  KindCreateIncome,
		Title: "New income",
		Seed:  map[string]string{FieldType: TypeIncome},
		Steps: []Step{
			{Field: FieldAmount, Prompt: "How much did you receive? Send a number, e.g. 50 or 12.30", Parse: parseAmountStep},
			{Field: FieldCategory, Prompt: "Which category is it?", NeedsCategories: true, Parse: parseCategoryStep},
		},
	},
	KindCreateExpense: {
		Kind:  KindCreateExpense,
		Title: "New expense",
		Seed:  map[string]string{FieldType: TypeExpense},
		Steps: []Step{
			{Field: FieldAmount, Prompt: "How much did you spend? Send a number, e.g. 50 or 12.30", Parse: parseAmountStep},
			{Field: FieldCategory, Prompt: "Which category is it?", NeedsCategories: true, Parse: parseCategoryStep},
		},
	},
	KindCreateCategory: {
		Kind:  KindCreateCategory,
		Title: "New category",
		Steps: []Step{
			{Field: FieldType, Prompt: "Is it an income or an expense category?", Parse: parseTypeStep},
			{Field: FieldName, Prompt: "What should the category be called?", Parse: parseNameStep},
		},
	},
	KindReceiptPhoto: {
		Kind:  KindReceiptPhoto,
		Title: "Receipt",
		Steps: []Step{
			{Field: FieldConfirm, Prompt: "Save it? Reply yes or no.", Parse: parseConfirmStep},
		},
	},
}

// MatchTrigger maps a text message to the flow it starts, or KindNone.
func MatchTrigger(text string) Kind {
	switch normalizeCommand(text) {
	case "/income", "create income":
		return KindCreateIncome
	case "/expense", "create expense":
		return KindCreateExpense
	case "/category", "create category":
		return KindCreateCategory
	default:
		return KindNone
	}
}

// IsCancel reports whether text is the explicit cancel command.
func IsCancel(text string) bool {
	switch normalizeCommand(text) {
	case "/cancel", "cancel":
		return true
	}
	return false
}

// IsHelp reports whether text asks for the command list.
func IsHelp(text string) bool {
	switch normalizeCommand(text) {
	case "/help", "/start", "help":
		return true
	}
	return false
}

// IsReceiptPrompt reports whether text asks how to submit a receipt.
func IsReceiptPrompt(text string) bool {
	return normalizeCommand(text) == "/receipt"
}

// HelpText lists the supported commands.
const HelpText = "I can record your finances.\n" +
	"/income - record an income\n" +
	"/expense - record an expense\n" +
	"/category - create a category\n" +
	"/receipt - scan a receipt photo\n" +
	"/cancel - abort the current step"

// normalizeCommand lowercases, trims, and strips a Telegram "@botname" suffix.
func normalizeCommand(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(s, "/") {
		if i := strings.IndexByte(s, '@'); i > 0 {
			s = s[:i]
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func parseAmountStep(input string, _ map[string]string, _ Env) (string, error) {
	minor, err := ParseAmount(input)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(minor, 10), nil
}

// ParseAmount parses a positive decimal with at most two fraction digits into minor units.
// Both '.' and ',' are accepted as the decimal separator.
func ParseAmount(input string) (int64, error) {
	s := strings.TrimSpace(input)
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, &ValidationError{Field: FieldAmount, Reason: "empty"}
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || !allDigits(whole) || len(whole) > 12 {
		return 0, &ValidationError{Field: FieldAmount, Reason: "not a number"}
	}
	if hasFrac && (frac == "" || len(frac) > 2 || !allDigits(frac)) {
		return 0, &ValidationError{Field: FieldAmount, Reason: "at most two decimal places"}
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: FieldAmount, Reason: "not a number"}
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	minor := w*100 + f
	if minor <= 0 {
		return 0, &ValidationError{Field: FieldAmount, Reason: "must be greater than zero"}
	}
	return minor, nil
}

// FormatAmount renders minor units as a decimal string.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if minor%100 == 0 {
		return fmt.Sprintf("%s%d", sign, minor/100)
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseCategoryStep(input string, _ map[string]string, env Env) (string, error) {
	name, err := parseNameStep(input, nil, env)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return "", &ValidationError{Field: FieldCategory, Reason: ve.Reason}
		}
		return "", err
	}
	if len(env.Categories) == 0 {
		return name, nil
	}
	for _, c := range env.Categories {
		if strings.EqualFold(c, name) {
			return c, nil
		}
	}
	return "", &ValidationError{
		Field:  FieldCategory,
		Reason: "unknown category, choose one of: " + strings.Join(env.Categories, ", "),
	}
}

func parseTypeStep(input string, _ map[string]string, _ Env) (string, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case TypeIncome, "in", "+":
		return TypeIncome, nil
	case TypeExpense, "out", "-":
		return TypeExpense, nil
	}
	return "", &ValidationError{Field: FieldType, Reason: "answer income or expense"}
}

func parseNameStep(input string, _ map[string]string, _ Env) (string, error) {
	name := strings.Join(strings.Fields(input), " ")
	if name == "" {
		return "", &ValidationError{Field: FieldName, Reason: "empty"}
	}
	if strings.HasPrefix(name, "/") {
		return "", &ValidationError{Field: FieldName, Reason: "must not start with /"}
	}
	if utf8.RuneCountInString(name) > maxCategoryName {
		return "", &ValidationError{Field: FieldName, Reason: "too long"}
	}
	return name, nil
}

func parseConfirmStep(input string, _ map[string]string, _ Env) (string, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "yes", "y", "ok", "save":
		return "yes", nil
	case "no", "n":
		return "no", nil
	}
	return "", &ValidationError{Field: FieldConfirm, Reason: "answer yes or no"}
}
