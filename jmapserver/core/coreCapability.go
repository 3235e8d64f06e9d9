// Package core implements the JMAP core capability: Core/echo, Blob/get and
// Blob/copy, and the advertised limits in the session object.
package core

import (
	"log/slog"

	"github.com/mjl-/jmapd/config"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
	"github.com/mjl-/jmapd/mlog"
)

const Urn = "urn:ietf:params:jmap:core"

type Core struct {
	settings CoreCapabilitySettings
}

func NewCore(settings CoreCapabilitySettings) *Core {
	return &Core{settings: settings}
}

func (c *Core) Urn() string {
	return Urn
}

func (c *Core) SessionObjectInfo() any {
	return c.settings
}

func (c *Core) Methods() map[string]capabilitier.Method {
	return map[string]capabilitier.Method{
		"Core/echo": c.echo,
		"Blob/get":  c.blobGet,
		"Blob/copy": c.blobCopy,
	}
}

// CoreCapabilitySettings are the advertised limits under the core urn. This
// is marshalled into the session object as-is, hence the json tags.
type CoreCapabilitySettings struct {
	MaxSizeUpload         uint     `json:"maxSizeUpload"`
	MaxConcurrentUpload   uint     `json:"maxConcurrentUpload"`
	MaxSizeRequest        uint     `json:"maxSizeRequest"`
	MaxConcurrentRequests uint     `json:"maxConcurrentRequests"`
	MaxCallsInRequest     uint     `json:"maxCallsInRequest"`
	MaxObjectsInGet       uint     `json:"maxObjectsInGet"`
	MaxObjectsInSet       uint     `json:"maxObjectsInSet"`
	CollationAlgorithms   []string `json:"collationAlgorithms"`
}

// NewSettings builds the immutable settings from configuration. Non-positive
// configured limits are nonsense and would mislead clients, they are clamped
// to 0 and logged.
func NewSettings(log mlog.Log, cfg config.JMAP) CoreCapabilitySettings {
	opt := func(name string, v int64) uint {
		if v <= 0 {
			log.Error("nonsensical configured limit, advertising 0", slog.String("limit", name), slog.Int64("value", v))
			return 0
		}
		return uint(v)
	}
	return CoreCapabilitySettings{
		MaxSizeUpload:         opt("maxSizeUpload", cfg.MaxSizeUpload),
		MaxConcurrentUpload:   opt("maxConcurrentUpload", cfg.MaxConcurrentUpload),
		MaxSizeRequest:        opt("maxSizeRequest", cfg.MaxSizeRequest),
		MaxConcurrentRequests: opt("maxConcurrentRequests", cfg.MaxConcurrentRequests),
		MaxCallsInRequest:     opt("maxCallsInRequest", cfg.MaxCallsInRequest),
		MaxObjectsInGet:       opt("maxObjectsInGet", cfg.MaxObjectsInGet),
		MaxObjectsInSet:       opt("maxObjectsInSet", cfg.MaxObjectsInSet),
		CollationAlgorithms:   []string{},
	}
}
