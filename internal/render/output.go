package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/storage"
)

// Options controls where rendered DOT files land.
type Options struct {
	// TempDir is the directory DOT files are written to before an
	// optional upload.
	TempDir string
	// KeepFiles leaves the local DOT file in place after a successful
	// upload; without a Store, files are always kept regardless of this
	// flag since there would be nowhere else for them to live.
	KeepFiles bool
}

// WriteFunctionGraph writes dot to <TempDir>/<funcName>.dot, uploads it to
// store under "graphs/<funcName>.dot" when store is non-nil, and removes
// the local file afterward unless KeepFiles is set. It returns the local
// path (even when removed, for logging) and any error.
func WriteFunctionGraph(ctx context.Context, opts Options, store storage.Storage, funcName, dot string) (string, error) {
	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("render: create temp dir: %w", err)
	}

	path := filepath.Join(dir, sanitizeFilename(funcName)+".dot")
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		return "", fmt.Errorf("render: write %s: %w", path, err)
	}

	if store != nil {
		key := "graphs/" + sanitizeFilename(funcName) + ".dot"
		if err := store.UploadFile(ctx, key, path); err != nil {
			return path, fmt.Errorf("render: upload %s: %w", path, err)
		}
		if !opts.KeepFiles {
			if err := os.Remove(path); err != nil {
				return path, fmt.Errorf("render: cleanup %s: %w", path, err)
			}
		}
	}

	return path, nil
}

// sanitizeFilename replaces characters that would be awkward in a path
// (namespaced function names commonly carry "::" or "/") with "_".
func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "::", "_", "\\", "_", " ", "_")
	return r.Replace(name)
}
