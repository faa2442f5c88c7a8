package server

import (
	"encoding/base64"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// defaultPageSize is the fallback page size when a session was built with
// no explicit PaginationDefaultLimit (e.g. a test supervisor).
const defaultPageSize = 50

// cursor is the opaque token wrapped around a listing walk. It carries the
// listing version the cursor was minted against purely as a checksum
// (hashed via xxhash, never compared for equality against the current
// version) so a decode failure is detectable, while the offset it carries
// is what actually lets the server resume the walk. This resolves the
// "what is inside a pagination cursor" design question: a stable
// listing-version hash plus an offset, rather than a raw {offset,limit}
// pair a client could forge or misuse.
type cursor struct {
	offset  int
	version uint64
}

func mintCursor(version uint64, offset int) string {
	check := xxhash.Sum64String(fmt.Sprintf("%d:%d", version, offset))
	raw := fmt.Sprintf("%d.%d.%d", version, offset, check)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor verifies the embedded checksum was produced by mintCursor
// for the (version, offset) pair it carries, rejecting a tampered or
// hand-crafted token. It does NOT compare the embedded version against
// the catalogue's current version: a stale cursor from before a listing
// change is still honoured by offset so the walk keeps making forward
// progress, per §4.7.
func decodeCursor(token string) (cursor, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, false
	}
	var offset int
	var version, check uint64
	if _, err := fmt.Sscanf(string(raw), "%d.%d.%d", &version, &offset, &check); err != nil {
		return cursor{}, false
	}
	if string(raw) != fmt.Sprintf("%d.%d.%d", version, offset, check) {
		return cursor{}, false
	}
	want := xxhash.Sum64String(fmt.Sprintf("%d:%d", version, offset))
	if want != check {
		return cursor{}, false
	}
	return cursor{offset: offset, version: version}, true
}

type listParams struct {
	Cursor string `json:"cursor"`
}

// paginate resolves a list request's cursor param into the slice indices
// to return this page, plus the nextCursor to hand back (empty if this is
// the final page). total is the current length of the list being walked;
// version is the catalogue's listing version at call time, minted into
// the next cursor as a checksum. pageSize bounds how many items this page
// carries (the configured PaginationDefaultLimit, §6); a non-positive
// value falls back to defaultPageSize. An invalid or out-of-range cursor
// simply restarts the walk from offset 0 rather than erroring, since the
// dispatcher must always make forward progress per §4.7.
func paginate(total int, params []byte, version uint64, pageSize int) (indices []int, nextCursor string) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	offset := 0
	if len(params) > 0 {
		var lp listParams
		if err := wireJSON.Unmarshal(params, &lp); err == nil && lp.Cursor != "" {
			if c, ok := decodeCursor(lp.Cursor); ok && c.offset >= 0 && c.offset <= total {
				offset = c.offset
			}
		}
	}

	end := offset + pageSize
	if end > total {
		end = total
	}
	indices = make([]int, 0, end-offset)
	for i := offset; i < end; i++ {
		indices = append(indices, i)
	}

	if end < total {
		nextCursor = mintCursor(version, end)
	}
	return indices, nextCursor
}
