package util

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactSensitiveJSON(t *testing.T) {
	in := []byte(`{"model":"claude-sonnet-4-5","max_tokens":1024,"refreshToken":"aoa-secret","nested":{"api_key":"sk-123","usage":{"input_tokens":12,"output_tokens":3}}}`)

	out := RedactSensitiveJSON(in)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	assert.Equal(t, "claude-sonnet-4-5", got["model"])
	assert.Equal(t, float64(1024), got["max_tokens"])
	assert.Equal(t, "[REDACTED]", got["refreshToken"])

	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["api_key"])

	usage := nested["usage"].(map[string]any)
	assert.Equal(t, float64(12), usage["input_tokens"])
	assert.Equal(t, float64(3), usage["output_tokens"])
}

func TestRedactSensitiveJSONArrays(t *testing.T) {
	in := []byte(`[{"password":"hunter2"},{"text":"hello"}]`)

	out := RedactSensitiveJSON(in)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "[REDACTED]", got[0]["password"])
	assert.Equal(t, "hello", got[1]["text"])
}

func TestRedactSensitiveJSONNonJSON(t *testing.T) {
	in := []byte("event: message_start\ndata: {}\n\n")
	assert.Equal(t, in, RedactSensitiveJSON(in))

	assert.Equal(t, []byte("  "), RedactSensitiveJSON([]byte("  ")))
	assert.Equal(t, []byte(`{"broken":`), RedactSensitiveJSON([]byte(`{"broken":`)))
}
