package stride

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileDecision is a FileFilter verdict for one path.
type FileDecision int

const (
	// DecisionAllow reads the file normally.
	DecisionAllow FileDecision = iota
	// DecisionAllowExample reads the file and prefixes its contents with a
	// template marker so the model can tell template files apart.
	DecisionAllowExample
	// DecisionBlocked refuses the read.
	DecisionBlocked
)

// FileFilter overrides the project ignore list for file reads. When set, its
// decision is authoritative and the ignore list is never consulted.
type FileFilter func(path string) FileDecision

// Sentinel contents returned in place of a file that cannot be read.
const (
	FileIgnored        = "IGNORED"
	FileOutsideProject = "OUTSIDE_PROJECT"
	FileDoesNotExist   = "DOES_NOT_EXIST"
	FileTooLarge       = "TOO_LARGE"
	FileReadError      = "ERROR"
)

// templateFilePrefix marks contents read under an allow-example decision.
const templateFilePrefix = "[TEMPLATE]\n"

// maxReadFileSize caps single-file reads at 1 MiB.
const maxReadFileSize = 1 << 20

// FileContext is the client-supplied view of the project a session works in.
type FileContext struct {
	ProjectRoot    string   `json:"projectRoot"`
	IgnorePatterns []string `json:"ignorePatterns,omitempty"`
	FileTree       []string `json:"fileTree,omitempty"`
}

// ReadProjectFile reads one project-relative path through the access gate and
// returns the file contents or a sentinel. Checks run in a fixed order:
// containment, then access policy (filter when present, ignore list
// otherwise), then existence, then size. Unexpected I/O failures collapse to
// the ERROR sentinel.
func ReadProjectFile(fc FileContext, filter FileFilter, relPath string) string {
	abs, ok := containedPath(fc.ProjectRoot, relPath)
	if !ok {
		return FileOutsideProject
	}

	decision := DecisionAllow
	if filter != nil {
		decision = filter(relPath)
	} else if matchesIgnore(fc.IgnorePatterns, relPath) {
		decision = DecisionBlocked
	}
	if decision == DecisionBlocked {
		return FileIgnored
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return FileDoesNotExist
		}
		return FileReadError
	}
	if info.IsDir() {
		return FileReadError
	}
	if info.Size() > maxReadFileSize {
		return FileTooLarge
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return FileReadError
	}
	if decision == DecisionAllowExample {
		return templateFilePrefix + string(data)
	}
	return string(data)
}

// GateFileContents applies the access gate to contents fetched elsewhere
// (the client read-files fast path). Existence and size were the client's
// concern; policy and containment remain the engine's.
func GateFileContents(fc FileContext, filter FileFilter, relPath string, contents *string) string {
	if _, ok := containedPath(fc.ProjectRoot, relPath); !ok {
		return FileOutsideProject
	}
	decision := DecisionAllow
	if filter != nil {
		decision = filter(relPath)
	} else if matchesIgnore(fc.IgnorePatterns, relPath) {
		decision = DecisionBlocked
	}
	if decision == DecisionBlocked {
		return FileIgnored
	}
	if contents == nil {
		return FileDoesNotExist
	}
	if len(*contents) > maxReadFileSize {
		return FileTooLarge
	}
	if decision == DecisionAllowExample {
		return templateFilePrefix + *contents
	}
	return *contents
}

// containedPath resolves relPath under root and reports whether it stays
// inside. Absolute paths and traversal out of the root are rejected.
func containedPath(root, relPath string) (string, bool) {
	if relPath == "" || filepath.IsAbs(relPath) || path.IsAbs(relPath) {
		return "", false
	}
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	resolved := filepath.Join(root, cleaned)
	if root != "" && !strings.HasPrefix(resolved, filepath.Clean(root)+string(filepath.Separator)) && resolved != filepath.Clean(root) {
		return "", false
	}
	return resolved, true
}

// matchesIgnore reports whether relPath matches any ignore pattern. Patterns
// use slash-separated glob syntax; a bare name matches files of that name in
// any directory, and a trailing slash matches a whole directory subtree.
func matchesIgnore(patterns []string, relPath string) bool {
	p := path.Clean(filepath.ToSlash(relPath))
	base := path.Base(p)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
			// Bare directory name anywhere in the path.
			if strings.HasPrefix(p, pattern+"/") || strings.Contains(p, "/"+pattern+"/") {
				return true
			}
		}
	}
	return false
}
