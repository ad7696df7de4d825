// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock implements crawler.Clock. Times are UTC so persisted timestamps
// compare and serialize uniformly.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
