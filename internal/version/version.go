// Package version allocates and parses deployment version identifiers.
//
// A version looks like
//
//	v0001756712345678_<tenantID>_<pageID>_3f9a1c2d
//
// The leading component is the creation time in unix milliseconds, zero padded
// so that versions sort chronologically under plain string comparison. The
// trailing component is derived from a fresh UUID, so concurrent calls for the
// same page never collide. Tenant and page identifiers are UUIDs and therefore
// never contain the underscore delimiter.
package version

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	prefix       = "v"
	delimiter    = "_"
	millisDigits = 16
	hashLength   = 8
)

// Components are the parsed parts of a version string.
type Components struct {
	Timestamp time.Time
	TenantID  string
	PageID    string
	Hash      string
}

// Generate returns a fresh version for the given page. It is a pure function
// of the clock and a random suffix; there is no shared counter.
func Generate(tenantID, pageID string) string {
	millis := time.Now().UTC().UnixMilli()
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")[:hashLength]
	return fmt.Sprintf("%s%0*d%s%s%s%s%s%s", prefix, millisDigits, millis, delimiter, tenantID, delimiter, pageID, delimiter, hash)
}

// Parse decomposes a version string. It returns ok=false for anything
// malformed and never panics.
func Parse(raw string) (Components, bool) {
	rest, found := strings.CutPrefix(raw, prefix)
	if !found {
		return Components{}, false
	}
	parts := strings.SplitN(rest, delimiter, 4)
	if len(parts) != 4 {
		return Components{}, false
	}
	if len(parts[0]) != millisDigits {
		return Components{}, false
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || millis < 0 {
		return Components{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return Components{}, false
	}
	if len(parts[3]) != hashLength || !isHex(parts[3]) {
		return Components{}, false
	}
	return Components{
		Timestamp: time.UnixMilli(millis).UTC(),
		TenantID:  parts[1],
		PageID:    parts[2],
		Hash:      parts[3],
	}, true
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
