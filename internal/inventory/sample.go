package inventory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type sampleFile struct {
	entityType string
	rawID      string
	fileName   string
}

// The third id has no entry in the sample mapping export so a fresh checkout
// exercises the missing_mapping path.
var sampleTree = []sampleFile{
	{entityType: "Bill", rawID: "80ABC123", fileName: "invoice_ABC123.txt"},
	{entityType: "Bill", rawID: "80DEF456", fileName: "invoice_DEF456.txt"},
	{entityType: "Bill", rawID: "80MISSING", fileName: "invoice_MISSING.txt"},
}

// EnsureSampleTree creates a small synthetic attachment tree when root is
// absent or holds no regular files. It reports whether anything was created.
func EnsureSampleTree(root string) (bool, error) {
	hasFiles, err := containsRegularFile(root)
	if err != nil {
		return false, err
	}
	if hasFiles {
		return false, nil
	}
	for _, sample := range sampleTree {
		dir := filepath.Join(root, sample.entityType, sample.rawID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
		path := filepath.Join(dir, sample.fileName)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		body := fmt.Sprintf("Synthetic attachment for %s %s\n", sample.entityType, sample.rawID)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return false, err
		}
	}
	return true, nil
}

func containsRegularFile(root string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && isRegularFile(path, d) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found, nil
}
