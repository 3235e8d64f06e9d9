// Package mailcapability advertises the JMAP mail capability in the session
// object. The mail datatypes themselves are served elsewhere; blob storage
// and dispatch only need the capability urn and its parameters.
package mailcapability

import (
	"github.com/mjl-/jmapd/jmapserver/basetypes"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
)

const URN = "urn:ietf:params:jmap:mail"

// MailCapabilitySettings is marshalled into the session object as-is.
type MailCapabilitySettings struct {
	MaxMailboxesPerEmail       *basetypes.Uint `json:"maxMailboxesPerEmail"`
	MaxMailboxDepth            *basetypes.Uint `json:"maxMailboxDepth"`
	MaxSizeMailboxName         basetypes.Uint  `json:"maxSizeMailboxName"`
	MaxSizeAttachmentsPerEmail basetypes.Uint  `json:"maxSizeAttachmentsPerEmail"`
	EmailQuerySortOptions      []string        `json:"emailQuerySortOptions"`
	MayCreateTopLevelMailbox   bool            `json:"mayCreateTopLevelMailbox"`
}

func NewDefaultMailCapabilitySettings() MailCapabilitySettings {
	return MailCapabilitySettings{
		MaxSizeMailboxName:         255,
		MaxSizeAttachmentsPerEmail: 100000,
		EmailQuerySortOptions:      []string{},
		MayCreateTopLevelMailbox:   false,
	}
}

type MailCapability struct {
	settings MailCapabilitySettings
}

func NewMailCapability(settings MailCapabilitySettings) *MailCapability {
	return &MailCapability{settings: settings}
}

func (c *MailCapability) Urn() string {
	return URN
}

func (c *MailCapability) SessionObjectInfo() any {
	return c.settings
}

func (c *MailCapability) Methods() map[string]capabilitier.Method {
	return nil
}
