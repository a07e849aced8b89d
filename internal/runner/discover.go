package runner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Discover expands paths into test cases. Directories are walked for
// .html files, skipping any directory named "resources"; files are taken
// as given. If filter is non-empty only slash-separated paths matching
// the glob are kept.
func Discover(paths []string, filter string) ([]TestCase, error) {
	var match glob.Glob
	if filter != "" {
		g, err := glob.Compile(filter, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling filter %q: %w", filter, err)
		}
		match = g
	}
	keep := func(path string) bool {
		return match == nil || match.Match(filepath.ToSlash(path))
	}

	var tests []TestCase
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("test path: %w", err)
		}
		if !info.IsDir() {
			if keep(root) {
				tests = append(tests, NewTestCase(root))
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && d.Name() == "resources" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.EqualFold(filepath.Ext(path), ".html") && keep(path) {
				tests = append(tests, NewTestCase(path))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return tests, nil
}
