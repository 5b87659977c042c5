// ABOUTME: Tests for tenant identity parsing and credential redaction
// ABOUTME: Covers path-derived ID validation and dispatch mode parsing

package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ID
		wantErr bool
	}{
		{name: "simple", raw: "t1", want: "t1"},
		{name: "uuid-like", raw: "3f2a-9c_01", want: "3f2a-9c_01"},
		{name: "empty", raw: "", wantErr: true},
		{name: "slash", raw: "t1/../t2", wantErr: true},
		{name: "space", raw: "t 1", wantErr: true},
		{name: "too long", raw: string(make([]byte, 65)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDispatchMode(t *testing.T) {
	m, err := ParseDispatchMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePolling, m)

	m, err = ParseDispatchMode(" Webhook ")
	require.NoError(t, err)
	assert.Equal(t, ModeWebhook, m)

	_, err = ParseDispatchMode("push")
	assert.Error(t, err)
}

func TestCredential_Redacted(t *testing.T) {
	c := Credential{
		TenantID:      "t1",
		BotToken:      "123456:ABCDEFGHIJ",
		AIKey:         "sk-abcdef123456",
		WebhookSecret: "shh",
	}

	r := c.Redacted()
	assert.Equal(t, "123***HIJ", r.BotToken)
	assert.Equal(t, "sk-***456", r.AIKey)
	assert.Equal(t, "***", r.WebhookSecret)
	assert.Equal(t, "123456:ABCDEFGHIJ", c.BotToken, "original must be untouched")
}
