package httphandler

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/jmapd/jmapserver/basetypes"
	"github.com/mjl-/jmapd/jmapserver/core"
	"github.com/mjl-/jmapd/jmapserver/ids"
	"github.com/mjl-/jmapd/message"
	"github.com/mjl-/jmapd/mlog"
	"github.com/mjl-/jmapd/store"
)

// UploadResponse is returned after a successful upload, RFC 8620 section 6.
type UploadResponse struct {
	AccountId basetypes.Id      `json:"accountId"`
	BlobId    basetypes.Id      `json:"blobId"`
	Type      string            `json:"type"`
	Size      int64             `json:"size"`
	Expires   basetypes.UTCDate `json:"expires"`
}

// UploadHandler accepts raw blobs and stores them as hidden messages in the
// account's upload collection.
type UploadHandler struct {
	maxSizeUpload int64
	logger        mlog.Log
}

func NewUploadHandler(settings core.CoreCapabilitySettings, logger mlog.Log) *UploadHandler {
	return &UploadHandler{
		maxSizeUpload: int64(settings.MaxSizeUpload),
		logger:        logger,
	}
}

func (uh *UploadHandler) Serve(w http.ResponseWriter, r *http.Request, tgt target) {
	ctx := r.Context()
	log := uh.logger.WithContext(ctx)
	acc := accountFromContext(ctx)

	// Uploading into another account is indistinguishable from uploading
	// into an account that does not exist.
	if tgt.accountID != acc.Name {
		writeProblem(w, NewRequestLevelErrorNotFound())
		return
	}

	if uh.maxSizeUpload > 0 {
		if r.ContentLength > uh.maxSizeUpload {
			writeProblem(w, uh.tooLargeProblem())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, uh.maxSizeUpload)
	}
	defer r.Body.Close()

	// Spool the payload first: the synthesized headers depend on its size
	// and content classification, and must precede it in the message file.
	spool, err := store.CreateMessageTemp(log, "upload-spool")
	if err != nil {
		log.Errorx("creating upload spool file", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	defer store.CloseRemoveTemp(log, spool)

	h := sha1.New()
	var scanner message.DomainScanner
	size, err := io.Copy(io.MultiWriter(spool, h, &scanner), r.Body)
	if err != nil {
		if uh.maxSizeUpload > 0 && size >= uh.maxSizeUpload {
			writeProblem(w, uh.tooLargeProblem())
			return
		}
		log.Errorx("reading upload body", err)
		http.Error(w, "400 - bad request", http.StatusBadRequest)
		return
	}
	blobId := ids.BlobIdFromDigest(ids.SHA1FromHash(h))

	msgFile, err := store.CreateMessageTemp(log, "upload")
	if err != nil {
		log.Errorx("creating upload message file", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	defer store.CloseRemoveTemp(log, msgFile)

	ct := normalizeContentType(r.Header.Get(HeaderContentType))
	headers := uploadEnvelope(acc.Name, ct, size, scanner.Domain(), r.Header)
	if _, err := headers.WriteTo(msgFile); err != nil {
		log.Errorx("writing upload envelope", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(msgFile, io.NewSectionReader(spool, 0, size)); err != nil {
		log.Errorx("writing upload payload", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}

	var m store.Message
	err = acc.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := acc.UploadCollection(tx)
		if err != nil {
			return err
		}
		m, _, err = acc.AddBlobMessage(log, tx, mb, msgFile)
		return err
	})
	if err != nil {
		if m.ID != 0 {
			acc.RemoveMessageFile(log, m.ID)
		}
		log.Errorx("storing upload", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}

	metricBlobTransfer.WithLabelValues("upload").Add(float64(size))
	log.Info("blob uploaded", slog.String("blobid", string(blobId)), slog.Int64("size", size))

	w.Header().Set(HeaderContentType, HeaderContentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(UploadResponse{
		AccountId: basetypes.Id(acc.Name),
		BlobId:    blobId,
		Type:      ct,
		Size:      size,
		// Advisory, there is no enforced reaper behind it.
		Expires: basetypes.UTCDate(time.Now().Add(24 * time.Hour)),
	}); err != nil {
		log.Errorx("writing upload response", err)
	}
}

// tooLargeProblem is the limit problem for oversized uploads. RFC 8620
// section 6 prescribes HTTP status 413 for it.
func (uh *UploadHandler) tooLargeProblem() *JSONProblem {
	p := NewRequestLevelErrorLimit("maxSizeUpload", fmt.Sprintf("max upload size is %d bytes", uh.maxSizeUpload))
	p.Status = http.StatusRequestEntityTooLarge
	return p
}

// uploadEnvelope synthesizes the header block wrapping an uploaded payload
// into a message. The transfer encoding is always identity so the stored
// content region is byte for byte the payload.
func uploadEnvelope(accountName, contentType string, size int64, domain message.Domain, reqHeader http.Header) message.OrderedHeaders {
	var h message.OrderedHeaders
	h.Add("From", "<"+accountName+">")
	h.Add("Date", time.Now().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	if reqHeader.Get("Subject") == "" {
		h.Add("Subject", "JMAP upload")
	}
	// Some client headers are preserved verbatim on the stored message.
	for _, name := range []string{"User-Agent", "Subject", "Message-ID", "Content-Disposition", "Content-Description"} {
		if v := reqHeader.Get(name); v != "" {
			h.Add(name, v)
		}
	}
	h.Add("MIME-Version", "1.0")
	h.Add("Content-Type", contentType)
	if cte := domain.Header(); cte != "" {
		h.Add("Content-Transfer-Encoding", cte)
	}
	h.Add("Content-Length", fmt.Sprintf("%d", size))
	return h
}

// normalizeContentType returns the media type to record for an upload,
// lowercased and with its parameters preserved.
func normalizeContentType(v string) string {
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "application/octet-stream"
	}
	return mime.FormatMediaType(mt, params)
}
