// Package testutil holds helpers shared by the fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails t when fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Bounded caps data and runs fn on it under the default timeout.
func Bounded(t testing.TB, data []byte, fn func(data []byte)) {
	t.Helper()
	data = CapBytes(data, DefaultMaxFuzzBytes)
	WithTimeout(t, DefaultFuzzTimeout, func() { fn(data) })
}
