package httphandler

import (
	"net/http"
	"strings"

	"github.com/mjl-/jmapd/jmapserver/basetypes"
)

const (
	uploadRoute   = "upload"
	downloadRoute = "download"
	wsRoute       = "ws"
)

type targetKind int

const (
	targetAPI targetKind = iota
	targetWS
	targetUpload
	targetDownload
)

type allowMethods uint

const (
	allowPost allowMethods = 1 << iota
	allowRead
)

// target is the parsed request path: what endpoint it addresses, which
// methods it accepts and its path parameters. Immutable once parsed.
type target struct {
	kind  targetKind
	allow allowMethods

	accountID string       // Upload and download.
	blobID    basetypes.Id // Download, not yet validated.
	name      string       // Download, suggested filename.
}

// parseTarget classifies a request path under the mount prefix. A bare
// prefix without trailing slash asks for a redirect to the canonical base.
// Unknown paths yield a not-found problem: read requests on endpoints that
// do not serve reads get the same answer, revealing nothing.
func parseTarget(path, prefix string, wsEnabled bool) (target, bool, *JSONProblem) {
	if path == prefix {
		return target{}, true, nil
	}
	rest, ok := strings.CutPrefix(path, prefix+"/")
	if !ok {
		return target{}, false, NewRequestLevelErrorNotFound()
	}

	if rest == "" {
		return target{kind: targetAPI, allow: allowPost | allowRead}, false, nil
	}

	seg, remainder, _ := strings.Cut(rest, "/")
	switch seg {
	case uploadRoute:
		// Exactly "{accountId}/", nothing after the trailing slash.
		accountID, after, slash := strings.Cut(remainder, "/")
		if !slash || accountID == "" || after != "" {
			return target{}, false, NewRequestLevelErrorNotFound()
		}
		return target{kind: targetUpload, allow: allowPost, accountID: accountID}, false, nil
	case downloadRoute:
		parts := strings.SplitN(remainder, "/", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return target{}, false, NewRequestLevelErrorNotFound()
		}
		return target{
			kind:      targetDownload,
			allow:     allowRead,
			accountID: parts[0],
			blobID:    basetypes.Id(parts[1]),
			name:      parts[2],
		}, false, nil
	case wsRoute:
		if wsEnabled && (remainder == "" && strings.HasSuffix(rest, "/") || rest == wsRoute) {
			return target{kind: targetWS, allow: allowRead}, false, nil
		}
	}
	return target{}, false, NewRequestLevelErrorNotFound()
}

// methodAllowed checks an HTTP method against the target's mask. A read on a
// target without reads is "not found", not "method not allowed", anything
// else is a plain method rejection.
func (t target) methodAllowed(method string) (int, bool) {
	read := method == http.MethodGet || method == http.MethodHead
	switch {
	case read && t.allow&allowRead != 0:
		return 0, true
	case method == http.MethodPost && t.allow&allowPost != 0:
		return 0, true
	case read:
		return http.StatusNotFound, false
	default:
		return http.StatusMethodNotAllowed, false
	}
}
