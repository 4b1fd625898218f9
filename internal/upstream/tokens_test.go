package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextWindowTokens(t *testing.T) {
	assert.Equal(t, int64(80000), contextWindowTokens(40))
	assert.Equal(t, int64(50000), contextWindowTokens(25))
	assert.Equal(t, int64(25000), contextWindowTokens(12.5))
	assert.Equal(t, int64(200000), contextWindowTokens(100))
	assert.Equal(t, int64(0), contextWindowTokens(0))
}

func TestCountTextTokens(t *testing.T) {
	assert.Equal(t, int64(0), countTextTokens(""))
	assert.Greater(t, countTextTokens("Hello, world!"), int64(0))
}

func TestEstimateInputTokensCoversPromptParts(t *testing.T) {
	small := []byte(`{"messages":[{"role":"user","content":"Hi"}]}`)
	full := []byte(`{
		"system":"You are a careful assistant.",
		"messages":[
			{"role":"user","content":"What is the weather in Oslo?"},
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"need the weather tool"},
				{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Oslo"}}
			]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"4C, rain"}]}
			]}
		],
		"tools":[{"name":"get_weather","description":"Current weather by city","input_schema":{"type":"object"}}]
	}`)

	smallCount := EstimateInputTokens(small)
	fullCount := EstimateInputTokens(full)
	assert.Greater(t, smallCount, int64(0))
	assert.Greater(t, fullCount, smallCount, "system, tool traffic and declarations all count")
}

func TestEstimateInputTokensSystemBlocks(t *testing.T) {
	asString := EstimateInputTokens([]byte(`{"system":"Be brief."}`))
	asBlocks := EstimateInputTokens([]byte(`{"system":[{"type":"text","text":"Be brief."}]}`))
	assert.Equal(t, asString, asBlocks)
}

func TestEstimateInputTokensEmptyRequest(t *testing.T) {
	assert.Equal(t, int64(0), EstimateInputTokens([]byte(`{}`)))
	assert.Equal(t, int64(0), EstimateInputTokens(nil))
}
