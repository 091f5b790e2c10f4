package util

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSafeSlice(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		max    int
		want   string
	}{
		{"shorter than budget", "hello", 10, "hello"},
		{"exact budget", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"zero budget", "hello", 0, ""},
		{"multibyte boundary", "héllo", 2, "h"}, // é is 2 bytes starting at 1
		{"emoji boundary", "a😀b", 3, "a"},       // 😀 is 4 bytes starting at 1
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SafeSlice(c.in, c.max)
			if got != c.want {
				t.Fatalf("SafeSlice(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("SafeSlice produced invalid UTF-8: %q", got)
			}
		})
	}
}

func TestSafeSliceAlwaysValid(t *testing.T) {
	s := strings.Repeat("日本語", 50)
	for max := 0; max <= len(s)+1; max++ {
		got := SafeSlice(s, max)
		if len(got) > max {
			t.Fatalf("budget exceeded: len=%d max=%d", len(got), max)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("invalid UTF-8 at max=%d", max)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdefgh", 6); got != "abc..." {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("abc", 6); got != "abc" {
		t.Fatalf("Truncate short = %q", got)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/home/user/projects/backend", "home-user-projects-backend"},
		{"/r1", "r1"},
		{"C:\\Work\\Repo", "c-work-repo"},
		{"///", "hex-2f2f2f"},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidAgentName(t *testing.T) {
	valid := []string{"GreenCastle", "BlueLake", "SilentRiver"}
	invalid := []string{"", "green", "GREENCASTLE", "Green", "GreenCastleTower", "Green1Castle", "Green Castle", "greenCastle"}
	for _, n := range valid {
		if !ValidAgentName(n) {
			t.Errorf("ValidAgentName(%q) = false, want true", n)
		}
	}
	for _, n := range invalid {
		if ValidAgentName(n) {
			t.Errorf("ValidAgentName(%q) = true, want false", n)
		}
	}
}
