package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"

	"github.com/mjl-/jmapd/mlog"
)

// ErrUnknownCredentials is returned for authentication failure of unknown
// accounts and bad passwords. The cases are indistinguishable on purpose.
var ErrUnknownCredentials = errors.New("unknown credentials")

// UID is a per-mailbox message sequence number, monotonically increasing.
type UID uint32

// Mailbox is a collection of messages. Hidden mailboxes, like the per-account
// upload collection, are not advertised through listing.
type Mailbox struct {
	ID          int64
	Name        string `bstore:"nonzero,unique"`
	UIDValidity uint32 `bstore:"nonzero"`
	UIDNext     UID    `bstore:"nonzero"`
	Hidden      bool
}

// Message is a message in a mailbox. Messages holding uploaded blobs have
// Deleted and Expunged set from the start: invisible through listing but
// still reachable through the digest index.
type Message struct {
	ID          int64
	UID         UID   `bstore:"nonzero"`
	MailboxID   int64 `bstore:"nonzero,ref Mailbox"`
	Deleted     bool
	Expunged    bool
	Received    time.Time `bstore:"default now"`
	Size        int64     `bstore:"nonzero"`
	ContentType string
	MsgDigest   string `bstore:"nonzero,index"` // Digest of the full message file, algorithm-prefixed.
	ThreadCID   int64  // Conversation the message belongs to.
}

// BlobRef is the digest reverse index: one row per content region of a
// message. Looking up a digest yields every (mailbox, message, part) location
// holding those bytes.
type BlobRef struct {
	ID           int64
	Digest       string `bstore:"nonzero,index"` // Digest of the raw bytes at Offset..Offset+Size, algorithm-prefixed.
	MailboxID    int64  `bstore:"nonzero"`
	MessageID    int64  `bstore:"nonzero,ref Message"`
	UID          UID    `bstore:"nonzero"`
	PartPath     string // IMAP-style part section, e.g. "1" or "2.1". Empty for the whole message file.
	HeaderOffset int64  // Start of the part's header block in the message file.
	Offset       int64  // Start of the content region.
	Size         int64  // Length of the content region.
	Encoding     string // Declared Content-Transfer-Encoding, upper case, empty for identity.
}

// Password is the bcrypt hash for account authentication, a single row.
type Password struct {
	ID   int64  // Always 1.
	Hash string `bstore:"nonzero"`
}

// DBTypes lists the types stored in an account database.
var DBTypes = []any{Mailbox{}, Message{}, BlobRef{}, Password{}}

// Account holds the open databases and files for an account. Use OpenAccount
// to get a reference, which must be eventually closed.
type Account struct {
	Name string
	Dir  string
	DB   *bstore.DB

	nused int // Open references, while holding openAccounts.Lock.
}

var openAccounts = struct {
	sync.Mutex
	names map[string]*Account
}{names: map[string]*Account{}}

// OpenAccount opens the account with the given name, creating its directory
// and database if this is its first use. Accounts are reference-counted, a
// second open returns the same handle.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	dir := filepath.Join(dataDir, "accounts", name)
	for _, p := range []string{dir, filepath.Join(dir, "msg")} {
		if err := os.MkdirAll(p, 0770); err != nil {
			return nil, fmt.Errorf("creating account directory: %w", err)
		}
	}
	dbpath := filepath.Join(dir, "index.db")
	db, err := bstore.Open(context.TODO(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening account database: %w", err)
	}
	acc := &Account{Name: name, Dir: dir, DB: db, nused: 1}
	openAccounts.names[name] = acc
	return acc, nil
}

// OpenAccountIfExists is like OpenAccount but fails for accounts without a
// directory, without creating one.
func OpenAccountIfExists(log mlog.Log, name string) (*Account, error) {
	if _, err := os.Stat(filepath.Join(dataDir, "accounts", name)); err != nil {
		return nil, fmt.Errorf("account %q: %w", name, err)
	}
	return OpenAccount(log, name)
}

// OpenEmailAuth opens an account by authenticating with its password.
func OpenEmailAuth(log mlog.Log, name, pass string) (*Account, error) {
	acc, err := OpenAccountIfExists(log, name)
	if err != nil {
		return nil, ErrUnknownCredentials
	}
	var pw Password
	err = acc.DB.Read(context.TODO(), func(tx *bstore.Tx) error {
		pw = Password{ID: 1}
		return tx.Get(&pw)
	})
	if err != nil {
		acc.Close()
		return nil, ErrUnknownCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(pw.Hash), []byte(pass)); err != nil {
		acc.Close()
		return nil, ErrUnknownCredentials
	}
	return acc, nil
}

// SetPassword stores a new bcrypt hash for the account password.
func (a *Account) SetPassword(log mlog.Log, pass string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generating password hash: %w", err)
	}
	return a.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		pw := Password{ID: 1}
		if err := tx.Get(&pw); err == nil {
			pw.Hash = string(hash)
			return tx.Update(&pw)
		}
		pw = Password{ID: 1, Hash: string(hash)}
		return tx.Insert(&pw)
	})
}

// Close decreases the reference count, closing the database when it reaches
// zero.
func (a *Account) Close() error {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	a.nused--
	if a.nused > 0 {
		return nil
	}
	// After a re-Init this handle may no longer be the registered one.
	if openAccounts.names[a.Name] == a {
		delete(openAccounts.names, a.Name)
	}
	return a.DB.Close()
}

// Rights returns what the named user may do with this account. Accounts have
// a single owner, anyone else gets nothing.
func (a *Account) Rights(username string) Rights {
	if username == a.Name {
		return RightRead | RightLookup | RightInsert | RightCreate
	}
	return 0
}

// MessagePath returns the path of the file for a message.
func (a *Account) MessagePath(messageID int64) string {
	return filepath.Join(a.Dir, "msg", fmt.Sprintf("%d", messageID))
}

// MessageReader opens the file holding a message's bytes. The caller closes.
func (a *Account) MessageReader(m Message) (*os.File, error) {
	f, err := os.Open(a.MessagePath(m.ID))
	if err != nil {
		return nil, fmt.Errorf("opening message file: %w", err)
	}
	return f, nil
}

// AccountCache is a per-request cache of open account handles, so one request
// never opens the same account twice. Not safe for concurrent use, a cache
// belongs to a single request.
type AccountCache struct {
	accounts map[string]*Account
}

// Get returns an open handle for the named account, reusing an earlier one.
func (c *AccountCache) Get(log mlog.Log, name string) (*Account, error) {
	if acc, ok := c.accounts[name]; ok {
		return acc, nil
	}
	acc, err := OpenAccountIfExists(log, name)
	if err != nil {
		return nil, err
	}
	if c.accounts == nil {
		c.accounts = map[string]*Account{}
	}
	c.accounts[name] = acc
	return acc, nil
}

// Close releases all cached handles.
func (c *AccountCache) Close(log mlog.Log) {
	for _, acc := range c.accounts {
		if err := acc.Close(); err != nil {
			log.Errorx("closing account", err)
		}
	}
	c.accounts = nil
}
