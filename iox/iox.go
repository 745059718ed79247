// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"errors"
	"io"

	"github.com/pithecene-io/spm/log"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(pool))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Sync) where errors are unactionable:
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }

// CloseAll closes every non-nil closer in order and joins their errors.
// A failing Close does not stop the rest.
func CloseAll(cs ...io.Closer) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseLogged closes c and logs a failure at warn level under what.
//
//	defer iox.CloseLogged(coord, logger, "coordinator")
func CloseLogged(c io.Closer, logger *log.Logger, what string) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", map[string]any{
			"resource": what,
			"error":    err.Error(),
		})
	}
}
