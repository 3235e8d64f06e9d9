package core

import (
	"context"
	"encoding/json"

	"github.com/mjl-/jmapd/jmapserver/mlevelerrors"
	"github.com/mjl-/jmapd/store"
)

// echo returns the request arguments verbatim.
// https://datatracker.ietf.org/doc/html/rfc8620#section-4
func (c *Core) echo(ctx context.Context, acc *store.Account, args json.RawMessage) (any, *mlevelerrors.MethodLevelError) {
	return args, nil
}
