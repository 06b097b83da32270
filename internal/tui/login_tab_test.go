package tui

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short ascii", "codex", 10, "codex"},
		{"exact fit", "codex", 5, "codex"},
		{"long ascii", "authentication", 10, "authent..."},
		{"tiny limit", "codex", 2, "co"},
		{"cjk under limit", "通义千问", 10, "通义千问"},
		{"cjk truncated", "通义千问登录地址", 6, "通义千..."},
		{"cjk tiny limit", "通义千问", 2, "通义"},
		{"mixed truncated", "qwen 通义千问 oauth", 8, "qwen ..."},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.limit)
		if got != tc.want {
			t.Errorf("%s: truncate(%q, %d) = %q, want %q", tc.name, tc.in, tc.limit, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("%s: truncate(%q, %d) produced invalid UTF-8 %q", tc.name, tc.in, tc.limit, got)
		}
	}
}
