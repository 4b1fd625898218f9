package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"short", "abc", "****"},
		{"exactly eight", "12345678", "****"},
		{"long", "sk-ant-api03-verysecret", "sk-a...cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskToken(tt.input))
		})
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"no sensitive keys", "model=claude&stream=true", "model=claude&stream=true"},
		{"key masked", "key=sk-1234567890abcdef", "key=sk-1...cdef"},
		{"suffix match", "api_key=sk-1234567890abcdef", "api_key=sk-1...cdef"},
		{"refresh token", "refresh_token=aoa-very-long-refresh-value", "refresh_token=aoa-...alue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSensitiveQuery(tt.input))
		})
	}
}
