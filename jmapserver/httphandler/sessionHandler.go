package httphandler

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/mjl-/jmapd/config"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
	"github.com/mjl-/jmapd/jmapserver/mailcapability"
	"github.com/mjl-/jmapd/mlog"
)

const wsCapabilityURN = "urn:ietf:params:jmap:websocket"

// Session is the session object of RFC 8620 section 2, the entry point for
// clients to discover urls, capabilities and accounts.
type Session struct {
	Capabilities    map[string]any     `json:"capabilities"`
	Accounts        map[string]Account `json:"accounts"`
	PrimaryAccounts map[string]string  `json:"primaryAccounts"`
	Username        string             `json:"username"`
	APIURL          string             `json:"apiUrl"`
	DownloadURL     string             `json:"downloadUrl"`
	UploadURL       string             `json:"uploadUrl"`
	State           string             `json:"state"`
}

type Account struct {
	Name                string         `json:"name"`
	IsPersonal          bool           `json:"isPersonal"`
	IsReadOnly          bool           `json:"isReadOnly"`
	AccountCapabilities map[string]any `json:"accountCapabilities"`

	// HasDataFor lists the capability urns the account has data for.
	HasDataFor []string `json:"hasDataFor"`
}

// WSCapabilitySettings advertises the websocket channel, RFC 8887 section 3.
type WSCapabilitySettings struct {
	URL          string `json:"url"`
	SupportsPush bool   `json:"supportsPush"`
}

// SessionHandler serves the session object on authenticated GET requests to
// the api endpoint.
type SessionHandler struct {
	capabilities map[string]any
	accountCaps  map[string]any
	hasDataFor   []string

	apiURL, downloadURL, uploadURL string

	logger mlog.Log
}

func NewSessionHandler(cfg config.Static, capabilities capabilitier.Capabilitiers, baseURL string, logger mlog.Log) *SessionHandler {
	caps := map[string]any{}
	accountCaps := map[string]any{}
	var hasDataFor []string
	for _, c := range capabilities {
		caps[c.Urn()] = c.SessionObjectInfo()
		accountCaps[c.Urn()] = c.SessionObjectInfo()
		hasDataFor = append(hasDataFor, c.Urn())
	}
	if cfg.WebsocketEnabled {
		caps[wsCapabilityURN] = WSCapabilitySettings{
			URL:          "wss://" + cfg.Hostname + cfg.Listen.Path + "/ws/",
			SupportsPush: false,
		}
	}
	return &SessionHandler{
		capabilities: caps,
		accountCaps:  accountCaps,
		hasDataFor:   hasDataFor,
		apiURL:       baseURL + "/",
		downloadURL:  baseURL + "/download/{accountId}/{blobId}/{name}?accept={type}",
		uploadURL:    baseURL + "/upload/{accountId}/",
		logger:       logger,
	}
}

func (sh *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acc := accountFromContext(r.Context())
	if acc == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	session := Session{
		Capabilities: sh.capabilities,
		Accounts: map[string]Account{
			acc.Name: {
				Name:                acc.Name,
				IsPersonal:          true,
				IsReadOnly:          false,
				AccountCapabilities: sh.accountCaps,
				HasDataFor:          sh.hasDataFor,
			},
		},
		PrimaryAccounts: map[string]string{
			mailcapability.URN: acc.Name,
		},
		Username:    acc.Name,
		APIURL:      sh.apiURL,
		DownloadURL: sh.downloadURL,
		UploadURL:   sh.uploadURL,
		State:       sh.SessionState(),
	}

	buf, err := json.Marshal(session)
	if err != nil {
		sh.logger.WithContext(r.Context()).Errorx("marshalling session object", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Session objects change rarely but clients poll them. Let the state
	// property drive refreshes, not intermediate caches.
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set(HeaderContentType, HeaderContentTypeJSON)
	w.Write(buf)
}

// SessionState is a hash over the advertised configuration. It only changes
// across restarts with a different configuration.
func (sh *SessionHandler) SessionState() string {
	buf, err := json.Marshal(sh.capabilities)
	if err != nil {
		return "0"
	}
	sum := md5.Sum(buf)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
