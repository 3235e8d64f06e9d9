package message

import (
	"io"
	"strings"
	"testing"
)

func parseString(t *testing.T, s string) Part {
	t.Helper()
	r := strings.NewReader(s)
	p, err := Parse(nil, r, int64(len(s)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func body(t *testing.T, p Part) string {
	t.Helper()
	buf, err := io.ReadAll(p.Reader())
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(buf)
}

func TestParseSimple(t *testing.T) {
	msg := "From: <appendby@example.test>\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	p := parseString(t, msg)
	if p.MediaType != "TEXT" || p.MediaSubType != "PLAIN" {
		t.Errorf("got %s/%s, expected TEXT/PLAIN", p.MediaType, p.MediaSubType)
	}
	if p.BodyOffset != int64(len(msg)-7) {
		t.Errorf("body offset %d, expected %d", p.BodyOffset, len(msg)-7)
	}
	if got := body(t, p); got != "hello\r\n" {
		t.Errorf("body %q", got)
	}
}

func TestParseBase64(t *testing.T) {
	msg := "Content-Type: application/octet-stream\r\nContent-Transfer-Encoding: base64\r\n\r\naGVsbG8=\r\n"
	p := parseString(t, msg)
	if p.ContentTransferEncoding != "BASE64" {
		t.Errorf("cte %q", p.ContentTransferEncoding)
	}
	if got := body(t, p); got != "hello" {
		t.Errorf("decoded body %q", got)
	}
	raw, err := io.ReadAll(p.RawReader())
	if err != nil || string(raw) != "aGVsbG8=\r\n" {
		t.Errorf("raw body %q, %v", raw, err)
	}
}

func TestParseMultipart(t *testing.T) {
	msg := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=x\r\n" +
		"\r\n" +
		"preamble\r\n" +
		"--x\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"first\r\n" +
		"--x\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>second</p>\r\n" +
		"--x--\r\n"
	p := parseString(t, msg)
	if len(p.Parts) != 2 {
		t.Fatalf("got %d parts, expected 2", len(p.Parts))
	}
	if got := body(t, p.Parts[0]); got != "first" {
		t.Errorf("first part body %q", got)
	}
	if got := body(t, p.Parts[1]); got != "<p>second</p>" {
		t.Errorf("second part body %q", got)
	}
	if p.Parts[1].MediaSubType != "HTML" {
		t.Errorf("second part subtype %q", p.Parts[1].MediaSubType)
	}
}

func TestParseHeaderOnly(t *testing.T) {
	msg := "Subject: nothing here"
	p := parseString(t, msg)
	if p.BodyOffset != p.EndOffset {
		t.Errorf("expected empty body, offsets %d %d", p.BodyOffset, p.EndOffset)
	}
}

func TestDomainScanner(t *testing.T) {
	tests := []struct {
		data string
		want Domain
	}{
		{"plain ascii", Domain7Bit},
		{"caf\xc3\xa9", Domain8Bit},
		{"nul\x00byte", DomainBinary},
		{"\xffand\x00", DomainBinary},
	}
	for _, tc := range tests {
		var s DomainScanner
		if _, err := s.Write([]byte(tc.data)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if s.Domain() != tc.want {
			t.Errorf("%q classified as %v, expected %v", tc.data, s.Domain(), tc.want)
		}
	}
	if Domain8Bit.Header() != "8bit" || DomainBinary.Header() != "binary" || Domain7Bit.Header() != "" {
		t.Errorf("unexpected encoding header values")
	}
}

func TestParseMultipartWithoutBoundary(t *testing.T) {
	msg := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed\r\n" +
		"\r\n" +
		"--x\r\nContent-Type: text/plain\r\n\r\nhi\r\n--x--\r\n"
	p := parseString(t, msg)
	if p.MediaType != "MULTIPART" || p.MediaSubType != "MIXED" {
		t.Errorf("got %s/%s", p.MediaType, p.MediaSubType)
	}
	// Without a boundary the body cannot be split, the part degrades to an
	// opaque leaf covering the whole body.
	if len(p.Parts) != 0 {
		t.Errorf("got %d subparts, expected none", len(p.Parts))
	}
	if got := body(t, p); !strings.Contains(got, "hi") {
		t.Errorf("body %q", got)
	}
}

func TestParseBadContentType(t *testing.T) {
	msg := "Content-Type: this is; not valid ==\r\n\r\nbody\r\n"
	p := parseString(t, msg)
	if p.MediaType != "" || p.MediaSubType != "" {
		t.Errorf("got %s/%s, expected opaque part", p.MediaType, p.MediaSubType)
	}
	if got := body(t, p); got != "body\r\n" {
		t.Errorf("body %q", got)
	}
}
