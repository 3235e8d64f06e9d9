// Package config holds the configuration for jmapd, parsed from a file in
// sconf format.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Static is the configuration for a jmapd process. It is read at startup and
// not reloaded while running; the JMAP limits derived from it are advertised
// to clients once and must stay stable for the lifetime of the process.
type Static struct {
	DataDir  string `sconf-doc:"Directory where accounts and their messages are stored."`
	Hostname string `sconf-doc:"Hostname to use in session URLs and synthesized message headers."`
	LogLevel string `sconf:"optional" sconf-doc:"Default log level: error, warn, info, debug. Default: error."`

	Listen struct {
		Address string `sconf-doc:"Address to listen on, e.g. localhost:8070."`
		Path    string `sconf:"optional" sconf-doc:"Path prefix the JMAP endpoints are mounted under. Default: /jmap."`
	} `sconf-doc:"HTTP listener serving all JMAP endpoints."`

	WebsocketEnabled bool     `sconf:"optional" sconf-doc:"Serve the JMAP websocket endpoint and advertise the websocket capability."`
	CORSAllowFrom    []string `sconf:"optional" sconf-doc:"Origins allowed to use the JMAP endpoints from a browser."`

	JMAP JMAP `sconf:"optional" sconf-doc:"Limits advertised in the JMAP core capability. Non-positive values are clamped to 0 and logged."`
}

// JMAP are the numeric protocol limits, in the units they are advertised in.
type JMAP struct {
	MaxSizeUpload         int64 `sconf:"optional" sconf-doc:"Maximum size in bytes of a single uploaded blob."`
	MaxConcurrentUpload   int64 `sconf:"optional"`
	MaxSizeRequest        int64 `sconf:"optional" sconf-doc:"Maximum size in bytes of a single API request body."`
	MaxConcurrentRequests int64 `sconf:"optional"`
	MaxCallsInRequest     int64 `sconf:"optional"`
	MaxObjectsInGet       int64 `sconf:"optional"`
	MaxObjectsInSet       int64 `sconf:"optional"`
}

// DefaultJMAP are the minimum values RFC 8620 recommends servers to support.
var DefaultJMAP = JMAP{
	MaxSizeUpload:         50 * 1000 * 1000,
	MaxConcurrentUpload:   4,
	MaxSizeRequest:        10 * 1000 * 1000,
	MaxConcurrentRequests: 4,
	MaxCallsInRequest:     16,
	MaxObjectsInGet:       500,
	MaxObjectsInSet:       500,
}

// Check verifies the configuration and fills in defaults.
func (c *Static) Check() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must be set")
	}
	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("making data dir absolute: %w", err)
		}
		c.DataDir = abs
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname must be set")
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen address must be set")
	}
	if c.Listen.Path == "" {
		c.Listen.Path = "/jmap"
	}
	if !strings.HasPrefix(c.Listen.Path, "/") || strings.HasSuffix(c.Listen.Path, "/") {
		return fmt.Errorf("listen path must start with a slash and not end with one")
	}
	if c.LogLevel == "" {
		c.LogLevel = "error"
	}

	z := JMAP{}
	if c.JMAP == z {
		c.JMAP = DefaultJMAP
	}
	return nil
}
