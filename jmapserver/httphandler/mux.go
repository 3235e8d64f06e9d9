// Package httphandler serves the JMAP endpoints: session and api on the base
// path, blob upload and download, and the websocket channel. One handler
// instance serves all of them, classifying each request path first.
package httphandler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/semaphore"

	"github.com/mjl-/jmapd/config"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
	"github.com/mjl-/jmapd/jmapserver/core"
	"github.com/mjl-/jmapd/jmapserver/mailcapability"
	"github.com/mjl-/jmapd/mlog"
	"github.com/mjl-/jmapd/store"
)

type ctxKey string

const accountCtxKey ctxKey = "account"

var cidCounter atomic.Int64

func nextCid() int64 {
	return cidCounter.Add(1)
}

// OpenEmailAuthFunc authenticates and opens an account. Tests plug in their
// own.
type OpenEmailAuthFunc func(log mlog.Log, email, password string) (*store.Account, error)

// JMAPServerHandler routes and serves everything under the JMAP base path.
type JMAPServerHandler struct {
	// Path is the mount prefix, without trailing slash, e.g. "/jmap".
	Path string

	// Hostname is used to build the absolute urls in the session object.
	Hostname string

	WebsocketEnabled bool

	// CORSAllowFrom are origins allowed to use the endpoints from a browser.
	CORSAllowFrom []string

	OpenEmailAuthFunc OpenEmailAuthFunc

	Capabilities capabilitier.Capabilitiers
	Settings     core.CoreCapabilitySettings

	logger mlog.Log

	sessionHandler  http.Handler
	apiHandler      *APIHandler
	uploadHandler   *UploadHandler
	downloadHandler *DownloadHandler
	wsHandler       http.Handler

	requestSem *semaphore.Weighted
	uploadSem  *semaphore.Weighted
}

// NewHandler assembles the handler tree for a configuration. The method
// table and the advertised settings are built once, here.
func NewHandler(cfg config.Static, logger mlog.Log) (*JMAPServerHandler, error) {
	settings := core.NewSettings(logger, cfg.JMAP)

	capabilities := capabilitier.Capabilitiers{
		core.NewCore(settings),
		mailcapability.NewMailCapability(mailcapability.NewDefaultMailCapabilitySettings()),
	}
	methods, err := capabilities.MethodTable()
	if err != nil {
		return nil, fmt.Errorf("building method table: %w", err)
	}
	methodCapability := map[string]string{}
	for _, c := range capabilities {
		for name := range c.Methods() {
			methodCapability[name] = c.Urn()
		}
	}

	baseURL := "https://" + cfg.Hostname + cfg.Listen.Path
	sh := NewSessionHandler(cfg, capabilities, baseURL, logger)
	ah := &APIHandler{
		methods:          methods,
		methodCapability: methodCapability,
		settings:         settings,
		sessionStater:    sh,
		logger:           logger,
	}

	jh := &JMAPServerHandler{
		Path:              cfg.Listen.Path,
		Hostname:          cfg.Hostname,
		WebsocketEnabled:  cfg.WebsocketEnabled,
		CORSAllowFrom:     cfg.CORSAllowFrom,
		OpenEmailAuthFunc: store.OpenEmailAuth,
		Capabilities:      capabilities,
		Settings:          settings,
		logger:            logger,
		sessionHandler:    gzhttp.GzipHandler(sh),
		apiHandler:        ah,
		uploadHandler:     NewUploadHandler(settings, logger),
		downloadHandler:   NewDownloadHandler(logger),
		wsHandler:         NewWSHandler(ah, logger),
	}
	if n := cfg.JMAP.MaxConcurrentRequests; n > 0 {
		jh.requestSem = semaphore.NewWeighted(n)
	}
	if n := cfg.JMAP.MaxConcurrentUpload; n > 0 {
		jh.uploadSem = semaphore.NewWeighted(n)
	}
	return jh, nil
}

// statusWriter remembers the status code for the request metric.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(buf []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(buf)
}

func (jh *JMAPServerHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	t0 := time.Now()
	cid := nextCid()
	ctx := context.WithValue(r.Context(), mlog.CidKey, cid)
	r = r.WithContext(ctx)
	log := jh.logger.WithCid(cid)

	tgt, redirect, problem := parseTarget(r.URL.Path, jh.Path, jh.WebsocketEnabled)

	sw := &statusWriter{ResponseWriter: rw}
	defer func() {
		metricRequestDuration.WithLabelValues(endpointLabel(tgt, redirect), strconv.Itoa(sw.code)).Observe(time.Since(t0).Seconds())
	}()

	if redirect {
		http.Redirect(sw, r, jh.Path+"/", http.StatusPermanentRedirect)
		return
	}
	if problem != nil {
		writeProblem(sw, problem)
		return
	}

	if origin := jh.corsOrigin(r); origin != "" {
		sw.Header().Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			sw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			sw.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			sw.WriteHeader(http.StatusNoContent)
			return
		}
	}

	if status, ok := tgt.methodAllowed(r.Method); !ok {
		if status == http.StatusNotFound {
			writeProblem(sw, NewRequestLevelErrorNotFound())
		} else {
			sw.WriteHeader(status)
		}
		return
	}

	acc, ok := jh.authenticate(sw, r, log)
	if !ok {
		return
	}
	defer func() {
		log.Check(acc.Close(), "closing authenticated account")
	}()
	r = r.WithContext(context.WithValue(r.Context(), accountCtxKey, acc))

	switch tgt.kind {
	case targetAPI:
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			jh.sessionHandler.ServeHTTP(sw, r)
			return
		}
		if !jh.admit(sw, r, jh.requestSem) {
			return
		}
		defer jh.release(jh.requestSem)
		jh.apiHandler.ServeHTTP(sw, r)
	case targetUpload:
		if !jh.admit(sw, r, jh.uploadSem) {
			return
		}
		defer jh.release(jh.uploadSem)
		jh.uploadHandler.Serve(sw, r, tgt)
	case targetDownload:
		jh.downloadHandler.Serve(sw, r, tgt)
	case targetWS:
		// The websocket handshake hijacks the connection, which the status
		// wrapper would hide. Hand it the raw response writer.
		sw.code = http.StatusSwitchingProtocols
		jh.wsHandler.ServeHTTP(rw, r)
	}
}

// admit takes a slot on the admission gate for the endpoint, turning the
// advertised concurrency limit into actual back pressure.
func (jh *JMAPServerHandler) admit(w http.ResponseWriter, r *http.Request, sem *semaphore.Weighted) bool {
	if sem == nil {
		return true
	}
	if err := sem.Acquire(r.Context(), 1); err != nil {
		// Client went away while waiting.
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (jh *JMAPServerHandler) release(sem *semaphore.Weighted) {
	if sem != nil {
		sem.Release(1)
	}
}

// authenticate requires http basic credentials and opens the account. The
// Authorization header is dropped afterwards so it cannot end up in request
// dumps.
func (jh *JMAPServerHandler) authenticate(w http.ResponseWriter, r *http.Request, log mlog.Log) (*store.Account, bool) {
	email, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="jmap"`)
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	r.Header.Del("Authorization")

	acc, err := jh.OpenEmailAuthFunc(log, email, password)
	if err != nil {
		metricAuthFailures.Inc()
		log.Infox("authentication failed", err)
		w.Header().Set("WWW-Authenticate", `Basic realm="jmap"`)
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return acc, true
}

func (jh *JMAPServerHandler) corsOrigin(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	for _, allow := range jh.CORSAllowFrom {
		if allow == "*" || strings.EqualFold(allow, origin) {
			return origin
		}
	}
	return ""
}

func accountFromContext(ctx context.Context) *store.Account {
	acc, _ := ctx.Value(accountCtxKey).(*store.Account)
	return acc
}

func endpointLabel(t target, redirect bool) string {
	if redirect {
		return "redirect"
	}
	switch t.kind {
	case targetWS:
		return "ws"
	case targetUpload:
		return "upload"
	case targetDownload:
		return "download"
	default:
		return "api"
	}
}
