package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", `Here you go: {"pipeline":"chat"} hope it helps`, `{"pipeline":"chat"}`},
		{"fenced", "```json\n[\"q1\", \"q2\"]\n```", `["q1", "q2"]`},
		{"braces in strings", `{"text":"a } b { c"}`, `{"text":"a } b { c"}`},
		{"escaped quote", `{"t":"say \"}\""}`, `{"t":"say \"}\""}`},
		{"nested", `x {"a":{"b":[1,2]}} y {"c":2}`, `{"a":{"b":[1,2]}}`},
		{"skips unbalanced", `{ oops [1,2]`, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractObject(t *testing.T) {
	got, err := ExtractObject(`["x"] then {"pipeline":"code","params":{}}`)
	require.NoError(t, err)
	assert.Equal(t, `{"pipeline":"code","params":{}}`, got)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "<html></html>", StripFences("```html\n<html></html>\n```"))
	assert.Equal(t, "<p>plain</p>", StripFences("  <p>plain</p>\n"))
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	short := CountTokens("hello")
	long := CountTokens("hello world, this is a considerably longer sentence about tokens")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}
