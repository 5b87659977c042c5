// ABOUTME: Tests for receipt extraction parsing and the OpenAI client wiring
// ABOUTME: Uses a stub Responses API server instead of the real service

package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tally-gateway/internal/flow"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *flow.Record
		wantErr bool
	}{
		{
			name: "plain json",
			in:   `{"readable":true,"type":"expense","amount":12.3,"category":"Food","note":"Corner Cafe"}`,
			want: &flow.Record{Type: flow.TypeExpense, AmountMinor: 1230, Category: "Food", Note: "Corner Cafe", Source: flow.KindReceiptPhoto},
		},
		{
			name: "fenced with prose",
			in:   "Here you go:\n```json\n{\"type\":\"income\",\"amount\":50,\"category\":\"Refund\"}\n```",
			want: &flow.Record{Type: flow.TypeIncome, AmountMinor: 5000, Category: "Refund", Source: flow.KindReceiptPhoto},
		},
		{
			name: "unknown type defaults to expense",
			in:   `{"type":"purchase","amount":0.99}`,
			want: &flow.Record{Type: flow.TypeExpense, AmountMinor: 99, Source: flow.KindReceiptPhoto},
		},
		{name: "unreadable", in: `{"readable":false}`, wantErr: true},
		{name: "zero total", in: `{"readable":true,"amount":0}`, wantErr: true},
		{name: "no json", in: `I cannot help with that.`, wantErr: true},
		{name: "broken json", in: `{"amount": }`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrExtractionFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func responsesServer(t *testing.T, status int, outputText string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "resp_1",
			"object":     "response",
			"created_at": 1,
			"status":     "completed",
			"model":      "gpt-4o-mini",
			"output": []any{map[string]any{
				"type":   "message",
				"id":     "msg_1",
				"status": "completed",
				"role":   "assistant",
				"content": []any{map[string]any{
					"type":        "output_text",
					"text":        outputText,
					"annotations": []any{},
				}},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestOpenAI_Extract(t *testing.T) {
	srv, captured := responsesServer(t, http.StatusOK, `{"readable":true,"type":"expense","amount":7.5,"category":"Groceries","note":"Market"}`)

	x := NewOpenAI(Options{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	rec, err := x.Extract(context.Background(), pngHeader, []string{"Groceries", "Transport"})
	require.NoError(t, err)
	assert.Equal(t, int64(750), rec.AmountMinor)
	assert.Equal(t, "Groceries", rec.Category)

	assert.Equal(t, DefaultModel, (*captured)["model"])
	body, _ := json.Marshal(*captured)
	assert.Contains(t, string(body), "data:image/png;base64,")
	assert.Contains(t, string(body), "Prefer one of these categories: Groceries, Transport.")
}

func TestOpenAI_ServiceError(t *testing.T) {
	srv, _ := responsesServer(t, http.StatusInternalServerError, "")

	x := NewOpenAI(Options{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	_, err := x.Extract(context.Background(), pngHeader, nil)
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestOpenAI_RejectsNonImage(t *testing.T) {
	x := NewOpenAI(Options{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/"})
	_, err := x.Extract(context.Background(), []byte("plain text"), nil)
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestOpenAI_CancelledContext(t *testing.T) {
	srv, _ := responsesServer(t, http.StatusOK, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x := NewOpenAI(Options{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	_, err := x.Extract(ctx, pngHeader, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
