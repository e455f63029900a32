package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var levelStyles = map[string]lipgloss.Color{
	"INFO": lipgloss.Color("87"),
	"WARN": lipgloss.Color("214"),
	"ERRO": lipgloss.Color("204"),
	"DEBU": lipgloss.Color("63"),
}

// ColorizeLogs highlights the level tag of every log line that is not
// already styled.
func ColorizeLogs(logs []string) []string {
	for i, line := range logs {
		if strings.Contains(line, "\x1b[") {
			continue
		}
		for level, bg := range levelStyles {
			if !strings.Contains(line, level) {
				continue
			}
			fg := lipgloss.Color("0")
			if level == "INFO" {
				fg = lipgloss.Color("16")
			}
			logs[i] = strings.Replace(line, level,
				lipgloss.NewStyle().
					Padding(0, 1, 0, 1).
					Bold(true).
					MaxWidth(80).
					Background(bg).
					Foreground(fg).
					Render(level), 1)
			break
		}
	}
	return logs
}

// FormatTrust renders a trust score the way clients display it.
func FormatTrust(score float64) string {
	return fmt.Sprintf("%.1f", score)
}

// FormatCountdown renders the time left until deadline, or "closing" once due.
func FormatCountdown(deadline, now time.Time) string {
	left := deadline.Sub(now)
	if left <= 0 {
		return "closing"
	}
	h := int(left.Hours())
	m := int(left.Minutes()) % 60
	s := int(left.Seconds()) % 60
	return fmt.Sprintf("%02dh%02dm%02ds", h, m, s)
}

// ShortID keeps the first 8 characters of a uuid for table display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
