package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, LevelWarn)

	c.Infof("should not appear")
	c.Warnf("should appear: %d", 42)

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear: 42")
	assert.Contains(t, out, "WARN")
}

func TestConsoleAddSinkReceivesPlainText(t *testing.T) {
	var primary, sink bytes.Buffer
	c := NewConsole(&primary, LevelInfo)
	c.AddSink(&sink)

	c.Errorf("disk full")

	require.Contains(t, sink.String(), "disk full")
	assert.Contains(t, sink.String(), "ERROR")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestTruncateWords(t *testing.T) {
	short := "one two three"
	assert.Equal(t, short, TruncateWords(short, 5))

	long := "one two three four five six"
	truncated := TruncateWords(long, 3)
	assert.True(t, strings.HasPrefix(truncated, "one two three"))
	assert.True(t, strings.HasSuffix(truncated, "…"))
}

func TestTruncateWordsZero(t *testing.T) {
	assert.Equal(t, "", TruncateWords("anything", 0))
}
