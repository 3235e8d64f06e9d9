// Package store manages the per-account message database and files: mailboxes,
// hidden blob messages and the digest reverse index, with authentication for
// account access.
//
// Each account has a directory under <data>/accounts/<name> with an index.db
// (bstore) and a msg/ directory holding one file per message. New messages are
// staged as temporary files under <data>/tmp and linked into place inside a
// database write transaction.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mjl-/jmapd/mlog"
)

var dataDir string

// Init sets the data directory, creates the layout if needed and removes
// stale staging files from a previous run. Handles opened under a previous
// data directory are forgotten: a later OpenAccount for the same name must
// not return an account rooted elsewhere.
func Init(log mlog.Log, dir string) error {
	dataDir = dir
	openAccounts.Lock()
	openAccounts.names = map[string]*Account{}
	openAccounts.Unlock()
	for _, p := range []string{dir, filepath.Join(dir, "accounts"), filepath.Join(dir, "tmp")} {
		if err := os.MkdirAll(p, 0770); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	CleanupStaging(log)
	return nil
}

// Accounts returns the names of all accounts present in the data directory,
// sorted.
func Accounts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "accounts"))
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rights are the operations a user may perform on an account's mailboxes.
type Rights uint

const (
	RightRead Rights = 1 << iota
	RightLookup
	RightInsert
	RightCreate
)

// Has tells whether all rights in req are present.
func (r Rights) Has(req Rights) bool {
	return r&req == req
}
