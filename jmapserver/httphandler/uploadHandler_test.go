package httphandler

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mjl-/jmapd/jmapserver/ids"
)

func upload(t *testing.T, jh *JMAPServerHandler, contentType, payload string) UploadResponse {
	t.Helper()
	w := doRequest(jh, http.MethodPost, "/jmap/upload/"+testAccount+"/", contentType, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d, expected 201, body %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling upload response: %v", err)
	}
	return resp
}

func TestUpload(t *testing.T) {
	jh := newTestHandler(t)
	const payload = "hello world"

	resp := upload(t, jh, "text/plain", payload)
	if string(resp.AccountId) != testAccount {
		t.Errorf("got account id %q", resp.AccountId)
	}
	if resp.Size != int64(len(payload)) {
		t.Errorf("got size %d, expected %d", resp.Size, len(payload))
	}
	if resp.Type != "text/plain" {
		t.Errorf("got type %q", resp.Type)
	}

	// The blob id is content-addressed: it must match the digest of the
	// payload bytes, and a second upload of the same bytes yields the same
	// id.
	want, err := ids.BlobId(strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if resp.BlobId != want {
		t.Errorf("got blob id %q, expected %q", resp.BlobId, want)
	}
	again := upload(t, jh, "application/json", payload)
	if again.BlobId != resp.BlobId {
		t.Errorf("same payload got different blob ids %q and %q", resp.BlobId, again.BlobId)
	}
}

func TestUploadDefaultsContentType(t *testing.T) {
	jh := newTestHandler(t)
	resp := upload(t, jh, "", "x")
	if resp.Type != "application/octet-stream" {
		t.Errorf("got type %q", resp.Type)
	}
}

func TestUploadBinary(t *testing.T) {
	jh := newTestHandler(t)
	payload := "beginning\x00end"
	resp := upload(t, jh, "application/octet-stream", payload)
	if resp.Size != int64(len(payload)) {
		t.Errorf("got size %d", resp.Size)
	}

	// Bytes with NULs must come back identical through download.
	w := doRequest(jh, http.MethodGet, "/jmap/download/"+testAccount+"/"+string(resp.BlobId)+"/f.bin", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download: got status %d", w.Code)
	}
	if got := w.Body.String(); got != payload {
		t.Errorf("downloaded %q, expected %q", got, payload)
	}
}

func TestUploadOtherAccountNotFound(t *testing.T) {
	jh := newTestHandler(t)
	w := doRequest(jh, http.MethodPost, "/jmap/upload/other@example.test/", "text/plain", "x")
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, expected 404", w.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	jh := newTestHandler(t)
	jh.uploadHandler.maxSizeUpload = 4
	w := doRequest(jh, http.MethodPost, "/jmap/upload/"+testAccount+"/", "text/plain", "way too large")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d", w.Code)
	}
	var p JSONProblem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != "urn:ietf:params:jmap:error:limit" || p.Limit != "maxSizeUpload" {
		t.Errorf("got problem %q limit %q", p.Type, p.Limit)
	}
}

func TestUploadMultipart(t *testing.T) {
	jh := newTestHandler(t)
	payload := "--x\r\nContent-Type: text/plain\r\n\r\nfirst\r\n--x\r\nContent-Type: text/html\r\n\r\n<i>second</i>\r\n--x--\r\n"

	// A structured payload is stored and addressed like any other blob: the
	// returned id resolves to the exact uploaded bytes.
	resp := upload(t, jh, `multipart/mixed; boundary=x`, payload)
	w := doRequest(jh, http.MethodGet, "/jmap/download/"+testAccount+"/"+string(resp.BlobId)+"/f", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download: got status %d", w.Code)
	}
	if got := w.Body.String(); got != payload {
		t.Errorf("downloaded %q, expected %q", got, payload)
	}
}

func TestUploadMultipartWithoutBoundary(t *testing.T) {
	jh := newTestHandler(t)
	payload := "not actually multipart"

	// A multipart content-type without a boundary parameter must not fail
	// the upload, the payload is kept as opaque bytes.
	resp := upload(t, jh, "multipart/mixed", payload)
	w := doRequest(jh, http.MethodGet, "/jmap/download/"+testAccount+"/"+string(resp.BlobId)+"/f", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download: got status %d", w.Code)
	}
	if got := w.Body.String(); got != payload {
		t.Errorf("downloaded %q, expected %q", got, payload)
	}
}
