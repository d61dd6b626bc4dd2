package stride

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadProjectFile(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "main.go", "package main")
	writeProjectFile(t, root, "node_modules/pkg/index.js", "module.exports = {}")
	writeProjectFile(t, root, ".env", "SECRET=1")

	fc := FileContext{
		ProjectRoot:    root,
		IgnorePatterns: []string{"node_modules/", ".env"},
	}

	if got := ReadProjectFile(fc, nil, "main.go"); got != "package main" {
		t.Errorf("main.go = %q", got)
	}
	if got := ReadProjectFile(fc, nil, "node_modules/pkg/index.js"); got != FileIgnored {
		t.Errorf("ignored dir = %q, want %q", got, FileIgnored)
	}
	if got := ReadProjectFile(fc, nil, ".env"); got != FileIgnored {
		t.Errorf("ignored name = %q", got)
	}
	if got := ReadProjectFile(fc, nil, "missing.go"); got != FileDoesNotExist {
		t.Errorf("missing = %q", got)
	}
}

func TestReadProjectFileContainment(t *testing.T) {
	root := t.TempDir()
	fc := FileContext{ProjectRoot: root}

	for _, rel := range []string{"../outside.txt", "/etc/passwd", "a/../../outside", ""} {
		if got := ReadProjectFile(fc, nil, rel); got != FileOutsideProject {
			t.Errorf("ReadProjectFile(%q) = %q, want %q", rel, got, FileOutsideProject)
		}
	}
	// Internal dot segments that stay inside resolve normally.
	writeProjectFile(t, root, "pkg/main.go", "package pkg")
	if got := ReadProjectFile(fc, nil, "pkg/../pkg/main.go"); got != "package pkg" {
		t.Errorf("internal traversal = %q", got)
	}
}

func TestReadProjectFileTooLarge(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "big.bin", strings.Repeat("x", maxReadFileSize+1))
	fc := FileContext{ProjectRoot: root}

	if got := ReadProjectFile(fc, nil, "big.bin"); got != FileTooLarge {
		t.Errorf("oversized = %q, want %q", got, FileTooLarge)
	}
}

func TestFileFilterOverridesIgnoreList(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "node_modules/keep.js", "kept")
	writeProjectFile(t, root, "open.go", "package open")
	writeProjectFile(t, root, "template.go", "package tmpl")

	fc := FileContext{
		ProjectRoot:    root,
		IgnorePatterns: []string{"node_modules/"},
	}
	filter := func(path string) FileDecision {
		switch {
		case strings.HasPrefix(path, "node_modules/"):
			// The filter's allow is authoritative; the ignore list is
			// never consulted when a filter is set.
			return DecisionAllow
		case path == "open.go":
			return DecisionBlocked
		case path == "template.go":
			return DecisionAllowExample
		}
		return DecisionAllow
	}

	if got := ReadProjectFile(fc, filter, "node_modules/keep.js"); got != "kept" {
		t.Errorf("filter allow = %q", got)
	}
	if got := ReadProjectFile(fc, filter, "open.go"); got != FileIgnored {
		t.Errorf("filter block = %q", got)
	}
	if got := ReadProjectFile(fc, filter, "template.go"); got != "[TEMPLATE]\npackage tmpl" {
		t.Errorf("allow-example = %q", got)
	}
}

func TestGateFileContents(t *testing.T) {
	fc := FileContext{
		ProjectRoot:    "/project",
		IgnorePatterns: []string{"secrets/"},
	}
	content := "client-fetched"

	if got := GateFileContents(fc, nil, "src/a.go", &content); got != content {
		t.Errorf("allowed = %q", got)
	}
	if got := GateFileContents(fc, nil, "secrets/key.pem", &content); got != FileIgnored {
		t.Errorf("ignored = %q", got)
	}
	if got := GateFileContents(fc, nil, "../escape", &content); got != FileOutsideProject {
		t.Errorf("containment = %q", got)
	}
	if got := GateFileContents(fc, nil, "src/a.go", nil); got != FileDoesNotExist {
		t.Errorf("nil contents = %q", got)
	}

	big := strings.Repeat("x", maxReadFileSize+1)
	if got := GateFileContents(fc, nil, "src/a.go", &big); got != FileTooLarge {
		t.Errorf("oversized = %q", got)
	}

	filter := func(string) FileDecision { return DecisionAllowExample }
	if got := GateFileContents(fc, filter, "src/a.go", &content); got != "[TEMPLATE]\n"+content {
		t.Errorf("allow-example = %q", got)
	}
}

func TestMatchesIgnore(t *testing.T) {
	cases := []struct {
		patterns []string
		path     string
		want     bool
	}{
		{[]string{"*.log"}, "debug.log", true},
		{[]string{"*.log"}, "logs/debug.log", true}, // bare glob matches basename anywhere
		{[]string{"dist/"}, "dist/bundle.js", true},
		{[]string{"dist/"}, "dist", true},
		{[]string{"dist/"}, "distribution/readme", false},
		{[]string{"vendor"}, "a/vendor/pkg.go", true}, // bare name matches a directory anywhere
		{[]string{"src/*.go"}, "src/main.go", true},
		{[]string{"src/*.go"}, "src/sub/main.go", false},
		{[]string{"# comment", ""}, "anything", false},
		{nil, "anything", false},
	}
	for _, tc := range cases {
		if got := matchesIgnore(tc.patterns, tc.path); got != tc.want {
			t.Errorf("matchesIgnore(%v, %q) = %v, want %v", tc.patterns, tc.path, got, tc.want)
		}
	}
}
