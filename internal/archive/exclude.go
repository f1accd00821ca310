package archive

import (
	"path"
	"path/filepath"
	"strings"
)

// Excluded reports whether rel (a slash-separated path relative to the tree
// root) equals one of the patterns or lies beneath one of them. Patterns match
// whole path segments, so "storage" excludes "storage/logs" but not
// "storage2". A pattern containing glob metacharacters is matched with
// path.Match against rel and each of its parent directories.
func Excluded(rel string, patterns []string) bool {
	rel = normalize(rel)
	for _, p := range patterns {
		p = normalize(p)
		if p == "" || p == "." {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			if matchGlob(rel, p) {
				return true
			}
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

func matchGlob(rel, pattern string) bool {
	for prefix := rel; prefix != "."; prefix = path.Dir(prefix) {
		if ok, _ := path.Match(pattern, prefix); ok {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

// Protect turns absolute paths of files the engine owns into exclusion
// patterns for the tree at root. Paths outside root are dropped.
func Protect(root string, paths []string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if rel, ok := RelativeTo(root, p); ok {
			out = append(out, rel)
		}
	}
	return out
}

// RelativeTo returns target as a path relative to root when target lies
// inside root.
func RelativeTo(root, target string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
