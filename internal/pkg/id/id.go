package id

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New generates a ULID for the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt generates a ULID whose time component is t. Sliding-window members use
// it so that two requests in the same microsecond still get distinct members
// that sort by arrival.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
