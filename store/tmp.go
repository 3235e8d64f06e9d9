package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/jmapd/mlog"
)

// CreateMessageTemp creates a staging file under <data>/tmp for composing a
// message before it is added to an account. The caller is responsible for
// removing the file on all paths, also after a successful add: the add links
// the file into place and never takes ownership of the staged copy.
func CreateMessageTemp(log mlog.Log, pattern string) (*os.File, error) {
	dir := filepath.Join(dataDir, "tmp")
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	if err := f.Chmod(0660); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("changing permissions of staging file: %w", err)
	}
	return f, nil
}

// CloseRemoveTemp closes and removes a staging file, logging failures.
func CloseRemoveTemp(log mlog.Log, f *os.File) {
	name := f.Name()
	log.Check(f.Close(), "closing staging file")
	log.Check(os.Remove(name), "removing staging file")
}

// CleanupStaging removes files left behind in the staging directory by an
// earlier run.
func CleanupStaging(log mlog.Log) {
	dir := filepath.Join(dataDir, "tmp")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			log.Errorx("removing stale staging file", err, slog.String("path", p))
		} else {
			log.Info("removed stale staging file", slog.String("path", p))
		}
	}
}
