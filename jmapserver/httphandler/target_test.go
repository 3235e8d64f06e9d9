package httphandler

import (
	"net/http"
	"testing"
)

func TestParseTarget(t *testing.T) {
	const prefix = "/jmap"

	tests := []struct {
		path      string
		wsEnabled bool

		kind     targetKind
		redirect bool
		notFound bool
	}{
		{path: "/jmap", redirect: true},
		{path: "/jmap/", kind: targetAPI},
		{path: "/jmap/upload/mjl@example.com/", kind: targetUpload},
		{path: "/jmap/upload/mjl@example.com", notFound: true},
		{path: "/jmap/upload//", notFound: true},
		{path: "/jmap/upload/mjl@example.com/extra", notFound: true},
		{path: "/jmap/download/mjl@example.com/Gda39a3ee5e6b4b0d3255bfef95601890afd80709/file.txt", kind: targetDownload},
		{path: "/jmap/download/mjl@example.com/Gda39a3ee5e6b4b0d3255bfef95601890afd80709", notFound: true},
		{path: "/jmap/download/mjl@example.com", notFound: true},
		{path: "/jmap/ws", wsEnabled: true, kind: targetWS},
		{path: "/jmap/ws/", wsEnabled: true, kind: targetWS},
		{path: "/jmap/ws", wsEnabled: false, notFound: true},
		{path: "/jmap/ws/extra", wsEnabled: true, notFound: true},
		{path: "/jmap/bogus", notFound: true},
		{path: "/other", notFound: true},
	}

	for _, tc := range tests {
		tgt, redirect, problem := parseTarget(tc.path, prefix, tc.wsEnabled)
		if redirect != tc.redirect {
			t.Errorf("path %q: got redirect %v, expected %v", tc.path, redirect, tc.redirect)
			continue
		}
		if (problem != nil) != tc.notFound {
			t.Errorf("path %q: got problem %v, expected notFound %v", tc.path, problem, tc.notFound)
			continue
		}
		if tc.redirect || tc.notFound {
			continue
		}
		if tgt.kind != tc.kind {
			t.Errorf("path %q: got kind %d, expected %d", tc.path, tgt.kind, tc.kind)
		}
	}
}

func TestParseTargetParams(t *testing.T) {
	tgt, _, problem := parseTarget("/jmap/download/mjl@example.com/Gda39a3ee5e6b4b0d3255bfef95601890afd80709/notes.txt", "/jmap", false)
	if problem != nil {
		t.Fatalf("unexpected problem: %v", problem)
	}
	if tgt.accountID != "mjl@example.com" {
		t.Errorf("got account id %q", tgt.accountID)
	}
	if string(tgt.blobID) != "Gda39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Errorf("got blob id %q", tgt.blobID)
	}
	if tgt.name != "notes.txt" {
		t.Errorf("got name %q", tgt.name)
	}
}

func TestMethodAllowed(t *testing.T) {
	tests := []struct {
		allow  allowMethods
		method string
		status int
		ok     bool
	}{
		{allowPost | allowRead, http.MethodGet, 0, true},
		{allowPost | allowRead, http.MethodPost, 0, true},
		{allowPost, http.MethodPost, 0, true},
		// Reading an endpoint that does not serve reads must look like the
		// resource does not exist.
		{allowPost, http.MethodGet, http.StatusNotFound, false},
		{allowPost, http.MethodHead, http.StatusNotFound, false},
		{allowRead, http.MethodPost, http.StatusMethodNotAllowed, false},
		{allowPost | allowRead, http.MethodDelete, http.StatusMethodNotAllowed, false},
	}
	for _, tc := range tests {
		status, ok := target{allow: tc.allow}.methodAllowed(tc.method)
		if ok != tc.ok || status != tc.status {
			t.Errorf("allow %b method %s: got %d/%v, expected %d/%v", tc.allow, tc.method, status, ok, tc.status, tc.ok)
		}
	}
}
