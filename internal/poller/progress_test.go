package poller

import "testing"

func TestExtractPercent(t *testing.T) {
	cases := []struct {
		name      string
		lines     []string
		lastKnown int
		want      int
	}{
		{"plain percent", []string{"progress: 42%"}, 0, 42},
		{"percent with space", []string{"done 17 %"}, 0, 17},
		{"newest line wins", []string{"progress: 10%", "progress: 55%"}, 0, 55},
		{"skips lines without percent", []string{"progress: 30%", "loading weights"}, 0, 30},
		{"no percent keeps last known", []string{"warming up"}, 64, 64},
		{"empty input keeps last known", nil, 12, 12},
		{"clamps above 100", []string{"at 250%"}, 0, 100},
		{"clamps stale last known", nil, 400, 100},
		{"zero percent is valid", []string{"starting 0%"}, 50, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractPercent(tc.lines, tc.lastKnown)
			if got != tc.want {
				t.Fatalf("ExtractPercent(%v, %d) = %d, want %d", tc.lines, tc.lastKnown, got, tc.want)
			}
		})
	}
}

func TestLatestMessage(t *testing.T) {
	cases := []struct {
		name      string
		lines     []string
		lastKnown string
		want      string
	}{
		{"newest non-empty", []string{"step 1", "step 2"}, "", "step 2"},
		{"skips blank lines", []string{"step 1", "   "}, "", "step 1"},
		{"trims whitespace", []string{"  rendering  "}, "", "rendering"},
		{"falls back to last known", []string{"", "  "}, "previous", "previous"},
		{"empty input", nil, "previous", "previous"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := LatestMessage(tc.lines, tc.lastKnown)
			if got != tc.want {
				t.Fatalf("LatestMessage(%v, %q) = %q, want %q", tc.lines, tc.lastKnown, got, tc.want)
			}
		})
	}
}
