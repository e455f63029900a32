package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTrust(t *testing.T) {
	assert.Equal(t, "75.0", FormatTrust(75))
	assert.Equal(t, "33.3", FormatTrust(100.0/3))
	assert.Equal(t, "0.0", FormatTrust(0))
}

func TestFormatCountdown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "01h30m05s", FormatCountdown(now.Add(90*time.Minute+5*time.Second), now))
	assert.Equal(t, "closing", FormatCountdown(now, now))
	assert.Equal(t, "closing", FormatCountdown(now.Add(-time.Second), now))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", ShortID("12345678-aaaa-bbbb"))
	assert.Equal(t, "abc", ShortID("abc"))
}

func TestColorizeLogsLeavesStyledLinesAlone(t *testing.T) {
	styled := "\x1b[1mINFO\x1b[0m already"
	out := ColorizeLogs([]string{styled, "plain INFO line", "no level"})
	assert.Equal(t, styled, out[0])
	assert.True(t, strings.Contains(out[1], "INFO"))
	assert.Equal(t, "no level", out[2])
}
