package store

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/mjl-/jmapd/message"
	"github.com/mjl-/jmapd/mlog"
)

// sha1Algorithm identifies the content digest algorithm in stored digest
// strings. go-digest v1 has no sha1 of its own, digests are assembled from
// crypto/sha1 output.
const sha1Algorithm = digest.Algorithm("sha1")

func sha1Digest(r io.Reader) (digest.Digest, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return digest.NewDigestFromEncoded(sha1Algorithm, hex.EncodeToString(h.Sum(nil))), nil
}

// UploadCollectionName is the hidden per-account mailbox holding uploaded
// blobs.
const UploadCollectionName = "Uploads"

// UploadCollection returns the account's hidden upload collection, creating
// it if absent. A concurrent creation by another transaction is treated as
// success.
func (a *Account) UploadCollection(tx *bstore.Tx) (Mailbox, error) {
	return a.MailboxEnsure(tx, UploadCollectionName, true)
}

// MailboxEnsure returns the mailbox with the given name, creating it if it
// does not exist yet. The name must be in normalization form C.
func (a *Account) MailboxEnsure(tx *bstore.Tx, name string, hidden bool) (Mailbox, error) {
	if norm.NFC.String(name) != name {
		return Mailbox{}, fmt.Errorf("mailbox name %q not in normalization form c", name)
	}
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Get()
	if err == nil {
		return mb, nil
	}
	if !errors.Is(err, bstore.ErrAbsent) {
		return Mailbox{}, fmt.Errorf("looking up mailbox: %w", err)
	}
	mb = Mailbox{
		Name:        name,
		UIDValidity: uint32(time.Now().Unix()),
		UIDNext:     1,
		Hidden:      hidden,
	}
	err = tx.Insert(&mb)
	if err != nil && errors.Is(err, bstore.ErrUnique) {
		// Someone else created it first.
		return bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Get()
	}
	if err != nil {
		return Mailbox{}, fmt.Errorf("creating mailbox: %w", err)
	}
	return mb, nil
}

// AddBlobMessage adds the message in msgFile to a mailbox as a hidden blob
// message: Deleted and Expunged from the start, invisible through listing,
// but with every content region of the file indexed by digest. The file is
// parsed for its MIME structure and hard-linked into the account's message
// directory. Must be called inside a write transaction; if the transaction
// does not commit, the caller must remove the linked file with
// RemoveMessageFile. The staged file itself remains the caller's to remove.
func (a *Account) AddBlobMessage(log mlog.Log, tx *bstore.Tx, mb Mailbox, msgFile *os.File) (Message, []BlobRef, error) {
	fi, err := msgFile.Stat()
	if err != nil {
		return Message{}, nil, fmt.Errorf("stat staged message: %w", err)
	}
	size := fi.Size()

	part, err := message.Parse(log.Logger, msgFile, size)
	if err != nil {
		return Message{}, nil, fmt.Errorf("parsing staged message: %w", err)
	}

	msgDigest, err := sha1Digest(io.NewSectionReader(msgFile, 0, size))
	if err != nil {
		return Message{}, nil, fmt.Errorf("digesting staged message: %w", err)
	}

	// Claim a UID.
	xmb := Mailbox{ID: mb.ID}
	if err := tx.Get(&xmb); err != nil {
		return Message{}, nil, fmt.Errorf("fetching mailbox: %w", err)
	}
	uid := xmb.UIDNext
	xmb.UIDNext++
	if err := tx.Update(&xmb); err != nil {
		return Message{}, nil, fmt.Errorf("updating mailbox uidnext: %w", err)
	}

	m := Message{
		UID:         uid,
		MailboxID:   mb.ID,
		Deleted:     true,
		Expunged:    true,
		Received:    time.Now(),
		Size:        size,
		ContentType: contentType(part),
		MsgDigest:   msgDigest.String(),
		ThreadCID:   threadCID(msgDigest),
	}
	if err := tx.Insert(&m); err != nil {
		return Message{}, nil, fmt.Errorf("inserting message: %w", err)
	}

	refs := []BlobRef{
		{
			Digest:    msgDigest.String(),
			MailboxID: mb.ID,
			MessageID: m.ID,
			UID:       uid,
			Offset:    0,
			Size:      size,
		},
	}
	refs = appendPartRefs(refs, msgFile, part, "", mb.ID, m.ID, uid)
	for i := range refs {
		if err := tx.Insert(&refs[i]); err != nil {
			return Message{}, nil, fmt.Errorf("inserting blob ref: %w", err)
		}
	}

	if err := linkOrCopy(msgFile.Name(), a.MessagePath(m.ID)); err != nil {
		return Message{}, nil, fmt.Errorf("storing message file: %w", err)
	}
	return m, refs, nil
}

// appendPartRefs adds a BlobRef for the content region of each part,
// numbered in the IMAP section style: a non-multipart top-level body is "1",
// children of a multipart are "1", "2", nested parts "1.1" and so on. A
// multipart's own body region is indexed too, as section "TEXT": a client
// that uploaded a multipart payload addresses it by the digest of those
// bytes.
func appendPartRefs(refs []BlobRef, f *os.File, p message.Part, prefix string, mailboxID, messageID int64, uid UID) []BlobRef {
	path := prefix
	if len(p.Parts) == 0 {
		if path == "" {
			path = "1"
		}
	} else if path == "" {
		path = "TEXT"
	} else {
		path += ".TEXT"
	}
	d, err := partDigest(f, p)
	if err != nil {
		return refs
	}
	refs = append(refs, BlobRef{
		Digest:       d.String(),
		MailboxID:    mailboxID,
		MessageID:    messageID,
		UID:          uid,
		PartPath:     path,
		HeaderOffset: p.HeaderOffset,
		Offset:       p.BodyOffset,
		Size:         p.EndOffset - p.BodyOffset,
		Encoding:     p.ContentTransferEncoding,
	})
	for i, sp := range p.Parts {
		sub := fmt.Sprintf("%d", i+1)
		if prefix != "" {
			sub = prefix + "." + sub
		}
		refs = appendPartRefs(refs, f, sp, sub, mailboxID, messageID, uid)
	}
	return refs
}

// threadCID derives a conversation id from the message digest. Nothing does
// real threading behind the upload collection, but distinct messages must
// still map to distinct threads.
func threadCID(d digest.Digest) int64 {
	buf, err := hex.DecodeString(d.Encoded())
	if err != nil || len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf[:8]))
}

func partDigest(f *os.File, p message.Part) (digest.Digest, error) {
	return sha1Digest(io.NewSectionReader(f, p.BodyOffset, p.EndOffset-p.BodyOffset))
}

func contentType(p message.Part) string {
	if p.MediaType == "" {
		return ""
	}
	return p.MediaType + "/" + p.MediaSubType
}

// linkOrCopy hard-links the staged file into place, copying when the staging
// directory is on another filesystem.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()
	df, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	if _, err := io.Copy(df, sf); err != nil {
		df.Close()
		os.Remove(dst)
		return err
	}
	if err := df.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// RemoveMessageFile removes the stored file for a message, for cleanup when
// the surrounding transaction did not commit.
func (a *Account) RemoveMessageFile(log mlog.Log, messageID int64) {
	if messageID == 0 {
		return
	}
	if err := os.Remove(a.MessagePath(messageID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorx("removing message file", err)
	}
}

// BlobRefs returns every location in the account holding content with the
// given digest.
func (a *Account) BlobRefs(ctx context.Context, d digest.Digest) ([]BlobRef, error) {
	refs, err := bstore.QueryDB[BlobRef](ctx, a.DB).FilterNonzero(BlobRef{Digest: d.String()}).List()
	if err != nil {
		return nil, fmt.Errorf("querying blob refs: %w", err)
	}
	return refs, nil
}

// MessageByID fetches a message by its id.
func (a *Account) MessageByID(ctx context.Context, id int64) (Message, error) {
	m := Message{ID: id}
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&m)
	})
	return m, err
}
