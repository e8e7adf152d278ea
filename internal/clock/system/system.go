// Package system provides the wall-clock implementation of ingest.Clock.
package system

import "time"

// Clock reads time.Now.
type Clock struct{}

// New returns a Clock.
func New() Clock { return Clock{} }

// Now returns the current wall-clock time.
func (Clock) Now() time.Time { return time.Now() }
