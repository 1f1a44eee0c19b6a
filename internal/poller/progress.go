package poller

import (
	"regexp"
	"strconv"
	"strings"
)

// Provider log lines are free-form text; a percentage can show up as
// "24%", "progress: 24 %", "24/100" style output, or not at all. All
// parsing lives here so format drift touches one function only.
var percentPattern = regexp.MustCompile(`(\d{1,3})\s*%`)

// ExtractPercent scans log lines newest-first for a percentage and returns
// it clamped to 0-100. When no line carries one, the last known percent is
// retained rather than resetting progress.
func ExtractPercent(lines []string, lastKnown int) int {
	for i := len(lines) - 1; i >= 0; i-- {
		match := percentPattern.FindStringSubmatch(lines[i])
		if match == nil {
			continue
		}
		value, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if value < 0 {
			return 0
		}
		if value > 100 {
			return 100
		}
		return value
	}
	return clampPercent(lastKnown)
}

// LatestMessage returns the newest non-empty log line, falling back to the
// last known message when the provider sent nothing readable.
func LatestMessage(lines []string, lastKnown string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return lastKnown
}

func clampPercent(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
