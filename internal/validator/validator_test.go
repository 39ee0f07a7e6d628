package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

func newValidator() *Validator {
	return New(Config{
		Models: map[string][]string{
			"gemini-2.0-flash":           {"google"},
			"claude-haiku-4-5-20251001":  {"anthropic"},
			"any-provider-model":         nil,
		},
		ProviderWhitelist: map[string]bool{"google": true, "anthropic": true},
	})
}

func TestValidate_Success(t *testing.T) {
	v := newValidator()
	req := gateway.Request{Query: "hello there", Model: "gemini-2.0-flash", Provider: "Google", UserID: "u1"}

	out, err := v.Validate(req)
	require.Nil(t, err)
	assert.Equal(t, "google", out.Provider, "provider should be normalized to lowercase")
}

func TestValidate_EmptyQuery(t *testing.T) {
	v := newValidator()
	_, err := v.Validate(gateway.Request{Query: "   ", Model: "gemini-2.0-flash"})
	require.NotNil(t, err)
	assert.Equal(t, stageerr.KindValidation, err.Kind)
}

func TestValidate_QueryTooLong(t *testing.T) {
	v := newValidator()
	big := make([]byte, maxQueryLen+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := v.Validate(gateway.Request{Query: string(big), Model: "gemini-2.0-flash"})
	require.NotNil(t, err)
	assert.Equal(t, stageerr.KindValidation, err.Kind)
}

func TestValidate_AttackPatterns(t *testing.T) {
	v := newValidator()
	cases := []string{
		"<script>alert(1)</script>",
		"'; DROP TABLE users; --",
		"../../etc/passwd",
		"rm -rf / ; cat /etc/shadow",
	}
	for _, q := range cases {
		_, err := v.Validate(gateway.Request{Query: q, Model: "gemini-2.0-flash"})
		require.NotNil(t, err, "query %q should be rejected", q)
		assert.Equal(t, stageerr.KindSecurity, err.Kind)
	}
}

func TestValidate_UnknownModel(t *testing.T) {
	v := newValidator()
	_, err := v.Validate(gateway.Request{Query: "hi", Model: "gpt-unknown"})
	require.NotNil(t, err)
	assert.Equal(t, stageerr.KindValidation, err.Kind)
}

func TestValidate_UnknownProvider(t *testing.T) {
	v := newValidator()
	_, err := v.Validate(gateway.Request{Query: "hi", Model: "gemini-2.0-flash", Provider: "openai"})
	require.NotNil(t, err)
	assert.Equal(t, stageerr.KindValidation, err.Kind)
}

func TestValidate_ProviderModelMismatch(t *testing.T) {
	v := newValidator()
	_, err := v.Validate(gateway.Request{Query: "hi", Model: "gemini-2.0-flash", Provider: "anthropic"})
	require.NotNil(t, err)
	assert.Equal(t, stageerr.KindValidation, err.Kind)
}

func TestValidate_ModelWithNoProviderRestriction(t *testing.T) {
	v := newValidator()
	out, err := v.Validate(gateway.Request{Query: "hi", Model: "any-provider-model", Provider: "google"})
	require.Nil(t, err)
	assert.Equal(t, "google", out.Provider)
}
