package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/mjl-/jmapd/mlog"
)

var (
	ErrBadContentType = errors.New("bad content-type")
	ErrHeader         = errors.New("bad message header")

	errMissingBoundaryParam = errors.New("missing/empty boundary content-type parameter")
)

// Part is a message or a part of a multipart message, with the byte offsets
// of its header and body in the underlying file. Offsets refer to the raw,
// still transfer-encoded bytes, they stay valid for the lifetime of the
// stored file.
type Part struct {
	HeaderOffset int64 // Where the header starts.
	BodyOffset   int64 // Where the body starts, after the blank separator line.
	EndOffset    int64 // Where the body ends.

	MediaType               string            // From Content-Type, upper case, e.g. "TEXT". Empty when the header is absent.
	MediaSubType            string            // From Content-Type, upper case, e.g. "PLAIN".
	ContentTypeParams       map[string]string // Lower-case keys, original-case values.
	ContentID               string
	ContentTransferEncoding string // Upper case, empty for identity.
	ContentDisposition      string

	Parts []Part // Subparts for multipart media types.

	r      io.ReaderAt
	header textproto.MIMEHeader
}

// Parse reads the MIME structure of the size bytes at r, recursing into
// multipart bodies. The returned part tree keeps r for serving body content.
func Parse(elog *slog.Logger, r io.ReaderAt, size int64) (Part, error) {
	log := mlog.New("message", elog)
	return parsePart(log, r, 0, size)
}

func parsePart(log mlog.Log, r io.ReaderAt, start, end int64) (Part, error) {
	p := Part{HeaderOffset: start, BodyOffset: end, EndOffset: end, r: r}

	br := bufio.NewReader(io.NewSectionReader(r, start, end-start))
	var hdr bytes.Buffer
	consumed := int64(0)
	for {
		line, err := br.ReadString('\n')
		consumed += int64(len(line))
		hdr.WriteString(line)
		if err == io.EOF {
			// Header without body.
			break
		}
		if err != nil {
			return p, fmt.Errorf("reading header line: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	p.BodyOffset = start + consumed

	h, err := parseHeader(hdr.Bytes())
	if err != nil {
		return p, err
	}
	p.header = h

	// A Content-Type that does not parse degrades the part to opaque
	// content. The bytes are still addressable, only the structure is lost.
	ct := h.Get("Content-Type")
	if ct != "" {
		mt, params, err := mime.ParseMediaType(ct)
		if err != nil {
			log.Debugx("invalid content-type, treating part as opaque", fmt.Errorf("%w: %v: %q", ErrBadContentType, err, ct))
		} else if t := strings.SplitN(strings.ToUpper(mt), "/", 2); len(t) == 2 {
			p.MediaType = t[0]
			p.MediaSubType = t[1]
			p.ContentTypeParams = params
		}
	}
	p.ContentID = h.Get("Content-Id")
	p.ContentTransferEncoding = strings.ToUpper(h.Get("Content-Transfer-Encoding"))
	p.ContentDisposition = h.Get("Content-Disposition")

	if p.MediaType != "MULTIPART" {
		return p, nil
	}

	bound := p.ContentTypeParams["boundary"]
	if bound == "" {
		// A multipart type without a boundary cannot be split. Treat the
		// body as opaque instead of failing the whole message.
		log.Debugx("treating multipart body as opaque", errMissingBoundaryParam)
		return p, nil
	}
	open := []byte("--" + bound)
	closing := []byte("--" + bound + "--")

	// Scan the body for boundary lines, then recurse into the regions between
	// them. The CRLF before a boundary belongs to the boundary, not the part.
	var starts, ends []int64
	br = bufio.NewReader(io.NewSectionReader(r, p.BodyOffset, end-p.BodyOffset))
	offset := p.BodyOffset
	inPart := false
	for {
		line, err := br.ReadString('\n')
		lineStart := offset
		offset += int64(len(line))
		trimmed := []byte(strings.TrimRight(line, "\r\n"))
		if bytes.Equal(trimmed, closing) {
			if inPart {
				ends = append(ends, partEnd(r, lineStart))
			}
			break
		}
		if bytes.Equal(trimmed, open) {
			if inPart {
				ends = append(ends, partEnd(r, lineStart))
			}
			starts = append(starts, offset)
			inPart = true
		}
		if err == io.EOF {
			if inPart && len(ends) < len(starts) {
				ends = append(ends, offset)
			}
			break
		}
		if err != nil {
			return p, fmt.Errorf("scanning multipart body: %w", err)
		}
	}

	for i := range starts {
		sp, err := parsePart(log, r, starts[i], ends[i])
		if err != nil {
			return p, fmt.Errorf("parsing subpart %d: %w", i, err)
		}
		p.Parts = append(p.Parts, sp)
	}
	return p, nil
}

// partEnd backs up over the CRLF or LF that precedes a boundary line.
func partEnd(r io.ReaderAt, boundStart int64) int64 {
	buf := make([]byte, 2)
	n, _ := r.ReadAt(buf, max(0, boundStart-2))
	if n == 2 && buf[0] == '\r' && buf[1] == '\n' {
		return boundStart - 2
	}
	if n >= 1 && buf[n-1] == '\n' {
		return boundStart - 1
	}
	return boundStart
}

func parseHeader(buf []byte) (textproto.MIMEHeader, error) {
	if len(buf) == 0 {
		return textproto.MIMEHeader{}, nil
	}
	// mail.ReadMessage handles email headers properly, textproto's reader only
	// does HTTP headers. It wants the blank separator line present.
	if !bytes.HasSuffix(buf, []byte("\r\n\r\n")) && !bytes.HasSuffix(buf, []byte("\n\n")) {
		buf = append(buf, "\r\n"...)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}
	return textproto.MIMEHeader(msg.Header), nil
}

// Header returns the parsed header of this part.
func (p *Part) Header() textproto.MIMEHeader {
	if p.header == nil {
		p.header = textproto.MIMEHeader{}
	}
	return p.header
}

// RawReader returns a reader for the raw, still transfer-encoded body.
func (p *Part) RawReader() io.Reader {
	if p.r == nil {
		panic("missing reader")
	}
	return io.NewSectionReader(p.r, p.BodyOffset, p.EndOffset-p.BodyOffset)
}

// Reader returns a reader for the body, decoded according to the part's
// Content-Transfer-Encoding.
func (p *Part) Reader() io.Reader {
	return DecodeReader(p.ContentTransferEncoding, p.RawReader())
}

// DecodeReader wraps r with a decoder for transfer encoding cte (upper case).
// Identity encodings return r unchanged.
func DecodeReader(cte string, r io.Reader) io.Reader {
	switch cte {
	case "BASE64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "QUOTED-PRINTABLE":
		return quotedprintable.NewReader(r)
	}
	return r
}
