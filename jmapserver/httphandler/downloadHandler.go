package httphandler

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/mjl-/jmapd/jmapserver/ids"
	"github.com/mjl-/jmapd/message"
	"github.com/mjl-/jmapd/mlog"
)

// DownloadHandler streams blob content regions back to clients.
type DownloadHandler struct {
	logger mlog.Log
}

func NewDownloadHandler(logger mlog.Log) *DownloadHandler {
	return &DownloadHandler{logger: logger}
}

func (dh *DownloadHandler) Serve(w http.ResponseWriter, r *http.Request, tgt target) {
	ctx := r.Context()
	log := dh.logger.WithContext(ctx)
	acc := accountFromContext(ctx)

	// Another account's blobs do not exist as far as this caller can tell.
	if tgt.accountID != acc.Name {
		writeProblem(w, NewRequestLevelErrorNotFound())
		return
	}

	d, err := ids.ParseBlobId(tgt.blobID)
	if err != nil {
		writeProblem(w, NewRequestLevelErrorNotRequest(fmt.Sprintf("malformed blob id: %s", err)))
		return
	}

	refs, err := acc.BlobRefs(ctx, d)
	if err != nil {
		log.Errorx("looking up blob refs", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	if len(refs) == 0 {
		writeProblem(w, NewRequestLevelErrorNotFound())
		return
	}
	ref := refs[0]

	m, err := acc.MessageByID(ctx, ref.MessageID)
	if err != nil {
		log.Errorx("fetching message for blob", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	f, err := acc.MessageReader(m)
	if err != nil {
		log.Errorx("opening message file for blob", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	body := message.DecodeReader(ref.Encoding, io.NewSectionReader(f, ref.Offset, ref.Size))

	w.Header().Set(HeaderContentType, downloadContentType(r))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": tgt.name}))
	w.Header().Set("Cache-Control", "private, immutable, max-age=31536000")
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, body)
	if err != nil {
		// Response already started, only log.
		log.Infox("streaming blob", err)
	}
	metricBlobTransfer.WithLabelValues("download").Add(float64(n))
}

// downloadContentType determines the served content type: the accept query
// parameter wins over the Accept header, wildcards and unparsable values
// fall back to application/octet-stream. The client names the type, the
// blob id names the bytes.
func downloadContentType(r *http.Request) string {
	candidates := []string{r.URL.Query().Get("accept"), r.Header.Get("Accept")}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		// An Accept header can list alternatives, take the first.
		if i := strings.IndexByte(c, ','); i >= 0 {
			c = c[:i]
		}
		mt, params, err := mime.ParseMediaType(c)
		if err != nil || strings.Contains(mt, "*") {
			continue
		}
		return mime.FormatMediaType(mt, params)
	}
	return "application/octet-stream"
}
