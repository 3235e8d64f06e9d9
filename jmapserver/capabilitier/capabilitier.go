// Package capabilitier defines the interface a JMAP capability implements and
// the method table the API handler dispatches on.
package capabilitier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mjl-/jmapd/jmapserver/mlevelerrors"
	"github.com/mjl-/jmapd/store"
)

// Method handles a single invocation. Args is the raw arguments object, after
// result references have been resolved. The returned value is marshalled as
// the response arguments. A non-nil method-level error replaces the response.
type Method func(ctx context.Context, acc *store.Account, args json.RawMessage) (any, *mlevelerrors.MethodLevelError)

// Capabilitier needs to be implemented by a JMAP capability.
type Capabilitier interface {
	// Urn for the capability.
	Urn() string

	// SessionObjectInfo is the value advertised for this capability in the
	// session object's capabilities map.
	SessionObjectInfo() any

	// Methods returns the methods this capability contributes, keyed by wire
	// name, e.g. "Core/echo". The table is read at startup and must not
	// change afterwards.
	Methods() map[string]Method
}

type Capabilitiers []Capabilitier

func (cs Capabilitiers) CapabilityByURN(urn string) Capabilitier {
	for _, c := range cs {
		if c.Urn() == urn {
			return c
		}
	}
	return nil
}

// MethodTable merges the method tables of all capabilities. Two capabilities
// claiming the same method name is a configuration error.
func (cs Capabilitiers) MethodTable() (map[string]Method, error) {
	table := map[string]Method{}
	for _, c := range cs {
		for name, m := range c.Methods() {
			if _, dup := table[name]; dup {
				return nil, fmt.Errorf("method %q provided by multiple capabilities", name)
			}
			table[name] = m
		}
	}
	return table, nil
}

type ctxKey string

// AccountCacheCtxKey is the context key under which the dispatcher provides
// the per-request *store.AccountCache to methods.
const AccountCacheCtxKey ctxKey = "accountCache"
