package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// correlationNamespace scopes derived correlation ids.
var correlationNamespace = uuid.MustParse("6f1c9a52-3e0b-4c55-9a8e-2d7e0b1f4c10")

// New returns a lexicographically sortable identifier suitable for row keys.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a sortable identifier stamped with t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// UUID returns a random RFC 4122 identifier for externally visible ids.
func UUID() string {
	return uuid.NewString()
}

// DerivedUUID returns a name-based UUID. The same name always yields the same id.
func DerivedUUID(name string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
