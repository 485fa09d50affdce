// Package ids mints the identifiers used for marketplace records: assets,
// listings, grants, and audit entries all share the same ULID key space.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// A single monotonic entropy source keeps ids generated within the same
// millisecond ordered; the mutex makes it safe across goroutines.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New mints a ULID. Ids sort lexicographically by creation time, which the
// stores rely on for ordered listings.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
