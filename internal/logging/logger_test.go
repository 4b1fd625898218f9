package logging

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatterShape(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2025, 12, 23, 20, 14, 4, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "token refreshed",
		Data: log.Fields{
			"request_id": "a1b2c3d4-0000-0000-0000-000000000000",
			"token_id":   7,
			"dialect":    "kiro",
		},
	}

	out, err := formatter.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.Equal(t, "[2025-12-23 20:14:04] [a1b2c3d4] [info ] token refreshed token_id=7 dialect=kiro\n", line)
}

func TestLogFormatterNoRequestID(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2025, 12, 23, 20, 14, 4, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "health check failed",
	}

	out, err := formatter.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2025-12-23 20:14:04] [--------] [warn ] health check failed\n", string(out))
}

func TestLogFormatterFieldOrder(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2025, 12, 23, 20, 14, 4, 0, time.UTC),
		Level:   log.ErrorLevel,
		Message: "upstream error",
		Data: log.Fields{
			"error":    "boom",
			"model":    "claude-sonnet-4-5",
			"token_id": 3,
		},
	}

	out, err := formatter.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "token_id=3 model=claude-sonnet-4-5 error=boom")
}

func TestClassifyClient(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		want      string
	}{
		{"claude code", "claude-cli/1.0.30 (external, cli)", "claude-code"},
		{"anthropic sdk", "anthropic-sdk-python/0.39.0", "anthropic-sdk"},
		{"openai sdk", "OpenAI/Python 1.55.0", "openai-sdk"},
		{"curl", "curl/8.5.0", "curl"},
		{"empty", "", "unknown"},
		{"other", "Mozilla/5.0", "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyClient(tt.userAgent))
		})
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, rb.Fire(&log.Entry{
			Time:    time.Now(),
			Level:   log.InfoLevel,
			Message: string(rune('a' + i)),
		}))
	}

	assert.Equal(t, 3, rb.Len())
	entries := rb.GetEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "d", entries[1].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestRingBufferRecentEntries(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 4; i++ {
		_ = rb.Fire(&log.Entry{Time: time.Now(), Level: log.InfoLevel, Message: string(rune('a' + i))})
	}

	recent := rb.GetRecentEntries(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Message)
	assert.Equal(t, "d", recent[1].Message)

	all := rb.GetRecentEntries(100)
	assert.Len(t, all, 4)
}

func TestRingBufferCopiesFields(t *testing.T) {
	rb := NewRingBuffer(2)
	_ = rb.Fire(&log.Entry{
		Time:    time.Now(),
		Level:   log.InfoLevel,
		Message: "x",
		Data:    log.Fields{"token_id": 1},
	})

	entries := rb.GetEntries()
	require.Len(t, entries, 1)
	entries[0].Fields["token_id"] = 99

	again := rb.GetEntries()
	assert.Equal(t, 1, again[0].Fields["token_id"])
}

func TestSetLevel(t *testing.T) {
	prev := log.GetLevel()
	defer log.SetLevel(prev)

	SetLevel(true)
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	SetLevel(false)
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
