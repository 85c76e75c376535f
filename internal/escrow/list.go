package escrow

import (
	"strconv"

	"github.com/nanba-labs/escrowd/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	beforeID int64
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to escrows older than the cursor position.
// Malformed cursors are ignored and the listing starts from the newest.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err != nil || c == nil {
			return
		}
		if id, err := strconv.ParseInt(c.ID, 10, 64); err == nil && id > 0 {
			o.beforeID = id
		}
	}
}
