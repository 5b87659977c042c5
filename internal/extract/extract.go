// ABOUTME: Receipt extraction through an OpenAI-compatible Responses API
// ABOUTME: Turns a receipt photo into a draft transaction record for confirmation

// Package extract reads receipt photos into draft transactions.
package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/2389/tally-gateway/internal/flow"
)

// ErrExtractionFailed means the service answered but no usable record came out of it.
var ErrExtractionFailed = errors.New("receipt extraction failed")

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Extractor reads a receipt image. categories are the tenant's expense
// categories, offered to the model as preferred answers.
type Extractor interface {
	Extract(ctx context.Context, image []byte, categories []string) (*flow.Record, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, image []byte, categories []string) (*flow.Record, error)

func (f Func) Extract(ctx context.Context, image []byte, categories []string) (*flow.Record, error) {
	return f(ctx, image, categories)
}

// Options configures NewOpenAI.
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// OpenAI is an Extractor backed by the OpenAI Responses API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an extractor. The key is per tenant, so one is built per session.
func NewOpenAI(opts Options) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	client := openai.NewClient(reqOpts...)
	return &OpenAI{client: &client, model: model}
}

const instructions = `You read photos of shop receipts and payment slips.
Reply with one JSON object and nothing else:
{"readable": bool, "type": "expense" | "income", "amount": number, "category": string, "note": string}
amount is the grand total as a decimal number. note is the merchant name, at most 60 characters.
Set readable to false when the image is not a receipt or the total cannot be read.`

// Extract sends the image as a data URL and parses the model's JSON reply.
func (o *OpenAI) Extract(ctx context.Context, image []byte, categories []string) (*flow.Record, error) {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: not an image (%s)", ErrExtractionFailed, mime)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))

	hint := "Pick a short category name."
	if len(categories) > 0 {
		hint = "Prefer one of these categories: " + strings.Join(categories, ", ") + "."
	}

	content := responses.ResponseInputMessageContentListParam{
		responses.ResponseInputContentUnionParam{
			OfInputText: &responses.ResponseInputTextParam{Text: hint},
		},
		responses.ResponseInputContentUnionParam{
			OfInputImage: &responses.ResponseInputImageParam{
				Detail:   responses.ResponseInputImageDetailAuto,
				ImageURL: param.NewOpt(dataURL),
			},
		},
	}

	params := responses.ResponseNewParams{
		Model: o.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(instructions, responses.EasyInputMessageRoleSystem),
				responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser),
			},
		},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return ParseResult(resp.OutputText())
}

type receipt struct {
	Readable *bool   `json:"readable"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Category string  `json:"category"`
	Note     string  `json:"note"`
}

// ParseResult decodes the model's reply, tolerating code fences and prose
// around the JSON object.
func ParseResult(text string) (*flow.Record, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrExtractionFailed)
	}

	var r receipt
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if r.Readable != nil && !*r.Readable {
		return nil, fmt.Errorf("%w: receipt not readable", ErrExtractionFailed)
	}

	minor := int64(math.Round(r.Amount * 100))
	if minor <= 0 {
		return nil, fmt.Errorf("%w: no total found", ErrExtractionFailed)
	}

	typ := strings.ToLower(strings.TrimSpace(r.Type))
	if typ != flow.TypeIncome {
		typ = flow.TypeExpense
	}
	note := strings.TrimSpace(r.Note)
	if len([]rune(note)) > 60 {
		note = string([]rune(note)[:60])
	}

	return &flow.Record{
		Type:        typ,
		AmountMinor: minor,
		Category:    strings.TrimSpace(r.Category),
		Note:        note,
		Source:      flow.KindReceiptPhoto,
	}, nil
}
