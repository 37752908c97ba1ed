// Package source locates repository working trees that the source-control
// collaborator has already cloned into shared storage.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

type Checkout struct {
	// Folder is the directory name shared with the scanners.
	Folder string
	// Path is the absolute local path of the working tree.
	Path string
}

type Provider interface {
	Resolve(ctx context.Context, repositoryName string) (Checkout, error)
}

type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: root}
}

// FolderName maps "owner/repo" to the flat folder name "owner_repo".
func FolderName(repositoryName string) string {
	return strings.ReplaceAll(strings.Trim(repositoryName, "/"), "/", "_")
}

func (s *LocalStorage) Resolve(_ context.Context, repositoryName string) (Checkout, error) {
	folder := FolderName(repositoryName)
	if folder == "" || folder == "." || folder == ".." || strings.ContainsAny(folder, `\`) {
		return Checkout{}, fmt.Errorf("%w: invalid repository name %q", pkgerrors.ErrInvalidInput, repositoryName)
	}
	path, err := filepath.Abs(filepath.Join(s.root, folder))
	if err != nil {
		return Checkout{}, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Checkout{}, fmt.Errorf("%w: %s", pkgerrors.ErrRepositoryNotFound, repositoryName)
	}
	return Checkout{Folder: folder, Path: path}, nil
}
