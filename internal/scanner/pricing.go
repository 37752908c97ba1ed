package scanner

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

var skipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	".idea":        true,
	".vscode":      true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"build":        true,
	"dist":         true,
	"__pycache__":  true,
	"venv":         true,
	".venv":        true,
	".tox":         true,
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".kt": true, ".scala": true, ".rb": true, ".php": true, ".cs": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true, ".rs": true,
	".swift": true, ".m": true, ".sh": true, ".sql": true, ".html": true, ".css": true,
	".scss": true, ".vue": true, ".yaml": true, ".yml": true, ".json": true, ".xml": true,
	".tf": true, ".dart": true, ".lua": true, ".pl": true, ".r": true,
}

// CountLines walks root and counts lines in source-like files, skipping
// version-control and dependency/build directories.
func CountLines(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		n, err := countFileLines(path)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

func countFileLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	var last byte
	r := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	for {
		k, err := r.Read(buf)
		if k > 0 {
			n += int64(bytes.Count(buf[:k], []byte{'\n'}))
			last = buf[k-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != 0 && last != '\n' {
		n++
	}
	return n, nil
}

// Cost is lines * rate rounded once to two decimals, half away from zero
// (which is half-up for the non-negative amounts used here).
func Cost(lines int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(lines).Mul(rate).Round(2)
}
