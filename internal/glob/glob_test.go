package glob

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/lib.rs", true},
		{"src/**", "src/auth/mod.rs", true},
		{"src/**", "src", true}, // ** matches zero or more segments
		{"src/*", "src/lib.rs", true},
		{"src/*", "src/auth/mod.rs", false},
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"**/*.go", "cmd/main.go", true},
		{"**/*.go", "main.go", true},
		{"src/?.rs", "src/a.rs", true},
		{"src/?.rs", "src/ab.rs", false},
		{"src/lib.rs", "src/lib.rs", true},
		{"src/lib.rs", "src/Lib.rs", false}, // case-sensitive
		{"docs/**/*.md", "docs/a/b/c.md", true},
		{"docs/**/*.md", "docs/readme.md", true},
		{"./src/lib.rs", "src/lib.rs", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.path); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestOverlapsSymmetric(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/**", "src/lib.rs", true},
		{"src/**", "src/auth/mod.rs", true},
		{"src/**", "docs/readme.md", false},
		{"src/*.rs", "src/lib.rs", true},
		{"src/*.rs", "src/*.go", false},
		{"src/*.rs", "src/*", true},
		{"**", "anything/at/all", true},
		{"a/?.c", "a/*.c", true},
		{"a/x.c", "a/y.c", false},
		{"src/**/test", "src/a/b/test", true},
	}
	for _, c := range cases {
		if got := Overlaps(c.a, c.b); got != c.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
		// Conflict detection must be symmetric in every case.
		if got := Overlaps(c.b, c.a); got != c.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v (reverse)", c.b, c.a, got, c.want)
		}
	}
}

func TestOverlapsAny(t *testing.T) {
	if !OverlapsAny([]string{"src/**"}, []string{"docs/*", "src/auth/mod.rs"}) {
		t.Fatal("expected overlap between src/** and src/auth/mod.rs")
	}
	if OverlapsAny([]string{"src/*.rs"}, []string{"docs/**"}) {
		t.Fatal("unexpected overlap between src/*.rs and docs/**")
	}
}
