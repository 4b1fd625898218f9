package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestScrubRemovesUnsupportedFields(t *testing.T) {
	req := []byte(`{"model":"m","context_management":{"x":1},"betas":["b1"],"anthropic_beta":"b2","messages":[{"role":"user","content":"hi"}]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))
	assert.False(t, out.Get("context_management").Exists())
	assert.False(t, out.Get("betas").Exists())
	assert.False(t, out.Get("anthropic_beta").Exists())
	assert.Equal(t, "hi", out.Get("messages.0.content").String())
}

func TestScrubUnsignedThinkingBecomesText(t *testing.T) {
	req := []byte(`{"model":"m","thinking":{"type":"enabled"},"messages":[
		{"role":"user","content":"q1"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"old reasoning"},{"type":"text","text":"a1"}]},
		{"role":"user","content":"q2"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"new","signature":"sig"},{"type":"text","text":"a2"}]}
	]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))

	// The last assistant turn opens with a signed block, so thinking stays on.
	assert.True(t, out.Get("thinking").Exists())

	early := out.Get("messages.1.content").Array()
	require.Len(t, early, 2)
	assert.Equal(t, "text", early[0].Get("type").String())
	assert.Equal(t, "<previous_thinking>old reasoning</previous_thinking>", early[0].Get("text").String())

	last := out.Get("messages.3.content").Array()
	assert.Equal(t, "thinking", last[0].Get("type").String())
	assert.Equal(t, "sig", last[0].Get("signature").String())
}

func TestScrubDisablesThinkingWithoutSignedBlock(t *testing.T) {
	req := []byte(`{"model":"m","thinking":{"type":"enabled"},"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"unsigned"},{"type":"text","text":"a"}]}
	]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))

	assert.False(t, out.Get("thinking").Exists())
	blocks := out.Get("messages.1.content").Array()
	require.Len(t, blocks, 1)
	assert.Equal(t, "a", blocks[0].Get("text").String())
}

func TestScrubRedactedThinking(t *testing.T) {
	req := []byte(`{"model":"m","thinking":{"type":"enabled"},"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"t","signature":"sig"},
			{"type":"redacted_thinking","data":"blob"},
			{"type":"redacted_thinking"},
			{"type":"text","text":"a"}
		]}
	]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))
	blocks := out.Get("messages.1.content").Array()
	require.Len(t, blocks, 3)
	assert.Equal(t, "thinking", blocks[0].Get("type").String())
	assert.Equal(t, "redacted_thinking", blocks[1].Get("type").String())
	assert.Equal(t, "blob", blocks[1].Get("data").String())
	assert.Equal(t, "text", blocks[2].Get("type").String())
}

func TestScrubDropsEmptyMessagesExceptTrailingAssistant(t *testing.T) {
	req := []byte(`{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":""},
		{"role":"user","content":"  "},
		{"role":"user","content":"again"},
		{"role":"assistant","content":[]}
	]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))
	messages := out.Get("messages").Array()
	require.Len(t, messages, 3)
	assert.Equal(t, "hi", messages[0].Get("content").String())
	assert.Equal(t, "again", messages[1].Get("content").String())
	assert.Equal(t, "assistant", messages[2].Get("role").String())
}

func TestScrubNormalizesToolDialects(t *testing.T) {
	req := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"tools":[
		{"type":"bash_20250124","name":"bash"},
		{"type":"function","function":{"name":"grep","description":"search","parameters":{"type":"object"}}},
		{"type":"custom","custom":{"name":"fmt","description":"format","input_schema":{"type":"object"}}},
		{"name":"plain","description":"already anthropic","input_schema":{"type":"object"}},
		{"type":"mystery_tool"}
	]}`)
	out := gjson.ParseBytes(ScrubForAzure(req))
	tools := out.Get("tools").Array()
	require.Len(t, tools, 4)

	assert.Equal(t, "bash_20250124", tools[0].Get("type").String())
	assert.Equal(t, "bash", tools[0].Get("name").String())

	assert.Equal(t, "grep", tools[1].Get("name").String())
	assert.Equal(t, "search", tools[1].Get("description").String())
	assert.True(t, tools[1].Get("input_schema").Exists())
	assert.False(t, tools[1].Get("function").Exists())

	assert.Equal(t, "fmt", tools[2].Get("name").String())
	assert.Equal(t, "plain", tools[3].Get("name").String())
}

func TestScrubIsIdempotent(t *testing.T) {
	req := []byte(`{"model":"m","thinking":{"type":"enabled"},"betas":["x"],"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"r","signature":"sig"},{"type":"text","text":"a"}]}
	],"tools":[{"type":"function","function":{"name":"t","parameters":{"type":"object"}}}]}`)
	once := ScrubForAzure(req)
	twice := ScrubForAzure(once)
	assert.JSONEq(t, string(once), string(twice))
}
