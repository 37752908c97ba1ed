package scanner

import (
	"context"
	"log/slog"
)

// Adapter resolves a scanner id and dispatches to the live or scripted
// runner. Callers never branch on the mock flag themselves.
type Adapter struct {
	registry *Registry
	live     Runner
	mock     Runner
}

func NewAdapter(registry *Registry, live, mock Runner) *Adapter {
	return &Adapter{registry: registry, live: live, mock: mock}
}

func (a *Adapter) Registry() *Registry {
	return a.registry
}

// RunScanner drives one scan. Unknown scanner ids fail with
// ErrScannerNotFound before any runner is invoked.
func (a *Adapter) RunScanner(ctx context.Context, scannerID, folder string, mock bool, handle Handler) error {
	entry, err := a.registry.Lookup(scannerID)
	if err != nil {
		return err
	}
	runner := a.live
	if mock {
		runner = a.mock
	}
	slog.Info("running scanner", "scanner", scannerID, "folder", folder, "mock", mock)
	return runner.Run(ctx, Request{Scanner: entry, Folder: folder}, handle)
}
