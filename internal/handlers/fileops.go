package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/oracle-garnett/oracle/internal/capability"
)

// FileOps performs workspace file operations. Only "mkdir" is supported.
type FileOps struct {
	root string
}

// NewFileOps confines all operations to root.
func NewFileOps(root string) *FileOps {
	if root == "" {
		root = "workspace"
	}
	return &FileOps{root: root}
}

func (f *FileOps) RequiresPermission() bool { return false }
func (f *FileOps) IsRetryable() bool        { return true }

// Invoke implements capability.Handler.
func (f *FileOps) Invoke(_ context.Context, p capability.Params) (capability.Result, error) {
	op := p["op"]
	if op == "" {
		op = "mkdir"
	}
	if op != "mkdir" {
		return capability.Result{}, capability.Structural("unsupported file operation "+op, nil)
	}

	name := strings.TrimSpace(p["name"])
	if name == "" {
		return capability.Result{}, missingParam("name")
	}
	path, err := f.resolve(name)
	if err != nil {
		return capability.Result{}, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return capability.Result{}, capability.Structural("cannot create folder "+name, err)
	}
	return capability.Result{
		Summary:  "Created folder " + name,
		Artifact: filepath.ToSlash(path),
	}, nil
}

// resolve joins name under the root and rejects anything that would land
// outside it.
func (f *FileOps) resolve(name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", capability.Structural("folder name must be relative: "+name, nil)
	}
	root := filepath.Clean(f.root)
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", capability.Structural("folder name escapes the workspace: "+name, nil)
	}
	return path, nil
}
