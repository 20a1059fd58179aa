// Package fsutil provides file system utility functions.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NotebookExt is the extension of notebook files.
const NotebookExt = ".ipynb"

// ExpandNotebooks resolves a command-line path into notebook paths. A
// directory is searched recursively, skipping hidden directories such as
// .ipynb_checkpoints; anything else, including a path that does not exist
// yet, is returned as is.
func ExpandNotebooks(path string) ([]string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return []string{path}, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), NotebookExt) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
