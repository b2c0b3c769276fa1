// Package fileutil provides filesystem helpers shared by the sandbox manager
// and the project scanner: deterministic tree listings and bounded output
// truncation.
package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExcludedDirs are never descended into when listing a project tree.
var DefaultExcludedDirs = []string{".git", ".worldmind", "node_modules"}

// ListTree walks root and returns the relative paths of all regular files,
// sorted alphabetically. Directories named in exclude (and hidden directories)
// are skipped. Walk errors on individual entries are tolerated.
func ListTree(root string, exclude []string) ([]string, error) {
	if exclude == nil {
		exclude = DefaultExcludedDirs
	}
	skip := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		skip[d] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (skip[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// TruncateMiddle caps s at max bytes, preserving the head and tail around a
// marker that states how many characters were dropped. Strings at or under
// the cap are returned unchanged.
func TruncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := max / 2
	dropped := len(s) - 2*half
	marker := fmt.Sprintf("\n\n... [truncated %d chars] ...\n\n", dropped)
	return s[:half] + marker + s[len(s)-half:]
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
