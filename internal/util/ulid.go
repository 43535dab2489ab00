package util

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a ULID string. IDs from one process sort in creation order,
// which is what the outbox relies on for FIFO-ish selection.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt generates a ULID for the given timestamp.
func NewIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ValidID reports whether s is a canonical ULID string.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
