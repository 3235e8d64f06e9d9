package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"slices"

	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/maps"

	"github.com/mjl-/bstore"

	"github.com/mjl-/jmapd/jmapserver/basetypes"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
	"github.com/mjl-/jmapd/jmapserver/ids"
	"github.com/mjl-/jmapd/jmapserver/mlevelerrors"
	"github.com/mjl-/jmapd/mlog"
	"github.com/mjl-/jmapd/store"
)

var blobProperties = []string{"mailboxIds", "emailIds", "threadIds"}

type blobGetRequest struct {
	AccountId  basetypes.Id   `json:"accountId"`
	Ids        []basetypes.Id `json:"ids"`
	Properties []string       `json:"properties"`
}

// BlobInfo is one found blob in a Blob/get response. The id sets are objects
// with true values, a blob can occur in many mailboxes, emails and threads.
type BlobInfo struct {
	Id         basetypes.Id          `json:"id"`
	MailboxIds map[basetypes.Id]bool `json:"mailboxIds,omitempty"`
	EmailIds   map[basetypes.Id]bool `json:"emailIds,omitempty"`
	ThreadIds  map[basetypes.Id]bool `json:"threadIds,omitempty"`
}

type blobGetResponse struct {
	AccountId basetypes.Id   `json:"accountId"`
	State     string         `json:"state"`
	List      []BlobInfo     `json:"list"`
	NotFound  []basetypes.Id `json:"notFound"`
}

// blobGet resolves blob ids to the mailboxes, emails and threads containing
// their bytes, through the digest reverse index.
func (c *Core) blobGet(ctx context.Context, acc *store.Account, args json.RawMessage) (any, *mlevelerrors.MethodLevelError) {
	log := mlog.New("core", nil).WithContext(ctx)

	var req blobGetRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, mlevelerrors.NewMethodLevelErrorInvalidArguments(err.Error())
	}
	if req.AccountId != "" && string(req.AccountId) != acc.Name {
		return nil, mlevelerrors.NewMethodLevelErrorAccountNotFound()
	}
	if max := c.settings.MaxObjectsInGet; max > 0 && uint(len(req.Ids)) > max {
		return nil, mlevelerrors.NewMethodLevelErrorRequestTooLarge()
	}
	props := req.Properties
	if props == nil {
		props = blobProperties
	}
	for _, p := range props {
		if !slices.Contains(blobProperties, p) {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidArguments("unknown property " + p)
		}
	}

	resp := blobGetResponse{
		AccountId: basetypes.Id(acc.Name),
		State:     "0",
		List:      []BlobInfo{},
		NotFound:  []basetypes.Id{},
	}

	// Caches for the whole call: a mailbox is checked at most once, a message
	// fetched at most once, however many blobs resolve into it.
	mailboxOK := map[int64]bool{}
	messages := map[int64]*store.Message{}

	seen := map[basetypes.Id]bool{}
	for _, id := range req.Ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		d, err := ids.ParseBlobId(id)
		if err != nil {
			resp.NotFound = append(resp.NotFound, id)
			continue
		}
		refs, err := acc.BlobRefs(ctx, d)
		if err != nil {
			log.Errorx("querying digest index", err)
			return nil, mlevelerrors.NewMethodLevelErrorServerFail()
		}

		byMailbox := map[int64][]store.BlobRef{}
		for _, ref := range refs {
			byMailbox[ref.MailboxID] = append(byMailbox[ref.MailboxID], ref)
		}
		info := BlobInfo{Id: id}
		if slices.Contains(props, "mailboxIds") {
			info.MailboxIds = map[basetypes.Id]bool{}
		}
		if slices.Contains(props, "emailIds") {
			info.EmailIds = map[basetypes.Id]bool{}
		}
		if slices.Contains(props, "threadIds") {
			info.ThreadIds = map[basetypes.Id]bool{}
		}

		found := false
		mbIDs := maps.Keys(byMailbox)
		slices.Sort(mbIDs)
		for _, mbID := range mbIDs {
			ok, checked := mailboxOK[mbID]
			if !checked {
				ok = c.openMailbox(ctx, acc, mbID)
				mailboxOK[mbID] = ok
			}
			if !ok {
				// Unusable mailboxes degrade the result, they do not fail the
				// call.
				continue
			}
			for _, ref := range byMailbox[mbID] {
				m := messages[ref.MessageID]
				if m == nil {
					xm, err := acc.MessageByID(ctx, ref.MessageID)
					if err != nil {
						log.Errorx("fetching message for blob", err)
						continue
					}
					m = &xm
					messages[ref.MessageID] = m
				}
				found = true
				if info.MailboxIds != nil {
					info.MailboxIds[basetypes.NewIdFromInt64(mbID)] = true
				}
				if info.EmailIds != nil {
					info.EmailIds[ids.MessageIdFromDigest(digest.Digest(m.MsgDigest))] = true
				}
				if info.ThreadIds != nil {
					info.ThreadIds[ids.ThreadId(uint64(m.ThreadCID))] = true
				}
			}
		}
		if found {
			resp.List = append(resp.List, info)
		} else {
			resp.NotFound = append(resp.NotFound, id)
		}
	}
	return resp, nil
}

// openMailbox checks a mailbox is present and readable by the account owner.
func (c *Core) openMailbox(ctx context.Context, acc *store.Account, mbID int64) bool {
	if !acc.Rights(acc.Name).Has(store.RightRead | store.RightLookup) {
		return false
	}
	mb := store.Mailbox{ID: mbID}
	err := acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&mb)
	})
	return err == nil
}

type blobCopyRequest struct {
	FromAccountId basetypes.Id   `json:"fromAccountId"`
	AccountId     basetypes.Id   `json:"accountId"`
	Create        []basetypes.Id `json:"create"`
}

type blobCopyResponse struct {
	FromAccountId basetypes.Id                           `json:"fromAccountId"`
	AccountId     basetypes.Id                           `json:"accountId"`
	Created       map[basetypes.Id]basetypes.Id          `json:"created"`
	NotCreated    map[basetypes.Id]mlevelerrors.SetError `json:"notCreated"`
}

// blobCopy duplicates blobs from one account into the caller's hidden upload
// collection. The destination exposes the same digest-derived ids, so the
// created map is an identity mapping.
func (c *Core) blobCopy(ctx context.Context, acc *store.Account, args json.RawMessage) (any, *mlevelerrors.MethodLevelError) {
	log := mlog.New("core", nil).WithContext(ctx)

	var req blobCopyRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, mlevelerrors.NewMethodLevelErrorInvalidArguments(err.Error())
	}

	resp := blobCopyResponse{
		FromAccountId: req.FromAccountId,
		AccountId:     basetypes.Id(acc.Name),
		Created:       map[basetypes.Id]basetypes.Id{},
		NotCreated:    map[basetypes.Id]mlevelerrors.SetError{},
	}

	cache, _ := ctx.Value(capabilitier.AccountCacheCtxKey).(*store.AccountCache)
	if cache == nil {
		cache = &store.AccountCache{}
		defer cache.Close(log)
	}

	// The destination is checked once for the whole batch. A destination we
	// cannot write to fails every blob the same way, without touching the
	// source.
	destAcc := acc
	if req.AccountId != "" && string(req.AccountId) != acc.Name {
		var err error
		destAcc, err = cache.Get(log, string(req.AccountId))
		if err != nil {
			destAcc = nil
		}
	}
	if destAcc == nil || !destAcc.Rights(acc.Name).Has(store.RightInsert|store.RightCreate) {
		for _, id := range req.Create {
			resp.NotCreated[id] = mlevelerrors.NewSetErrorToAccountNotFound()
		}
		return resp, nil
	}
	err := destAcc.DB.Write(ctx, func(tx *bstore.Tx) error {
		_, err := destAcc.UploadCollection(tx)
		return err
	})
	if err != nil {
		log.Errorx("ensuring upload collection", err)
		return nil, mlevelerrors.NewMethodLevelErrorServerFail()
	}

	srcAcc := acc
	if req.FromAccountId != "" && string(req.FromAccountId) != acc.Name {
		srcAcc, err = cache.Get(log, string(req.FromAccountId))
		if err != nil {
			return nil, mlevelerrors.NewMethodLevelErrorFromAccountNotFound()
		}
	}
	srcReadable := srcAcc.Rights(acc.Name).Has(store.RightRead | store.RightLookup)

	for _, id := range req.Create {
		d, err := ids.ParseBlobId(id)
		if err != nil || !srcReadable {
			resp.NotCreated[id] = mlevelerrors.NewSetErrorBlobNotFound()
			continue
		}
		refs, err := srcAcc.BlobRefs(ctx, d)
		if err != nil {
			log.Errorx("querying source digest index", err)
			return nil, mlevelerrors.NewMethodLevelErrorServerFail()
		}
		if len(refs) == 0 {
			resp.NotCreated[id] = mlevelerrors.NewSetErrorBlobNotFound()
			continue
		}
		if err := copyBlob(ctx, log, srcAcc, destAcc, refs[0]); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				resp.NotCreated[id] = mlevelerrors.NewSetErrorBlobNotFound()
				continue
			}
			log.Errorx("copying blob", err)
			return nil, mlevelerrors.NewMethodLevelErrorServerFail()
		}
		resp.Created[id] = id
	}
	return resp, nil
}

// copyBlob stages a byte-for-byte copy of a blob's original header block and
// content region, then commits it into the destination's upload collection.
// Headers are preserved unmodified, rewriting arbitrary blobs' headers is not
// safe.
func copyBlob(ctx context.Context, log mlog.Log, srcAcc, destAcc *store.Account, ref store.BlobRef) error {
	m, err := srcAcc.MessageByID(ctx, ref.MessageID)
	if err != nil {
		return err
	}
	src, err := srcAcc.MessageReader(m)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := store.CreateMessageTemp(log, "blobcopy")
	if err != nil {
		return err
	}
	defer store.CloseRemoveTemp(log, tmp)

	if _, err := io.Copy(tmp, io.NewSectionReader(src, ref.HeaderOffset, ref.Offset+ref.Size-ref.HeaderOffset)); err != nil {
		return err
	}

	var nm store.Message
	err = destAcc.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := destAcc.UploadCollection(tx)
		if err != nil {
			return err
		}
		nm, _, err = destAcc.AddBlobMessage(log, tx, mb, tmp)
		return err
	})
	if err != nil {
		destAcc.RemoveMessageFile(log, nm.ID)
		return err
	}
	return nil
}
