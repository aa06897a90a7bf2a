package credit

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CURSOR - Opaque keyset-pagination token for ListEntries
// =============================================================================

// EncodeCursor packs the (createdAt, id) position of the last entry on
// a page. Keyset pagination stays stable while new entries are being
// appended, unlike offset-based paging.
func EncodeCursor(createdAt time.Time, id EntryID) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + string(id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, EntryID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return time.Unix(0, nanos).UTC(), EntryID(parts[1]), nil
}
