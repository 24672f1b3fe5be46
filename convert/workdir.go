package convert

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrPathTraversal = errors.New("path escapes working area")

// WorkingArea is the per-task sandbox. It is owned by one task and removed on
// every exit path.
type WorkingArea struct {
	Root   string
	Source string
	Result string
}

func NewWorkingArea(baseDir string) (*WorkingArea, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root := filepath.Join(baseDir, "conv-"+uuid.NewString())
	w := &WorkingArea{
		Root:   root,
		Source: filepath.Join(root, "source"),
		Result: filepath.Join(root, "result"),
	}
	for _, dir := range []string{w.Source, w.Result} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create working area: %w", err)
		}
	}
	return w, nil
}

func (w *WorkingArea) Remove() error {
	return os.RemoveAll(w.Root)
}

// checkInside returns ErrPathTraversal unless p resolves to a path below dir.
func checkInside(dir, p string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}
	return nil
}

// resultPath joins an untrusted output file name onto the result directory.
// The name must be a single path element.
func (w *WorkingArea) resultPath(name string) (string, error) {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	p := filepath.Join(w.Result, name)
	if err := checkInside(w.Result, p); err != nil {
		return "", err
	}
	return p, nil
}
