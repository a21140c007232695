package pathkey

import "testing"

func TestIsTempName(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/a/b/.tmpfile", true},
		{"/a/b/file.txt", false},
		{".hidden", true},
		{"plain", false},
	}

	for _, c := range cases {
		if got := IsTempName(c.path); got != c.want {
			t.Errorf("IsTempName(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestParentOf(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/a/b/c", "/a/b"},
		{"/a", "/"},
		{"a", "/"},
		{"/", "/"},
	}

	for _, c := range cases {
		if got := ParentOf(c.path); got != c.want {
			t.Errorf("ParentOf(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestNameOf(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/a/b/c", "c"},
		{"/a", "a"},
		{"a", "a"},
	}

	for _, c := range cases {
		if got := NameOf(c.path); got != c.want {
			t.Errorf("NameOf(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/a/b", "c"); got != "/a/b/c" {
		t.Errorf("Join(/a/b, c) = %q", got)
	}

	if got := Join("/", "c"); got != "/c" {
		t.Errorf("Join(/, c) = %q", got)
	}
}

func TestNormalizeAndEqual(t *testing.T) {
	// "é" (e + combining acute accent) vs "é" (precomposed e-acute).
	composed := "café"
	decomposed := "café"

	if !Equal(composed, decomposed, false) {
		t.Errorf("expected composed and decomposed forms to be equal under normalization")
	}

	if Equal(composed, decomposed, true) {
		t.Errorf("expected forms to differ when normalization is disabled")
	}
}
