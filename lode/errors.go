package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds for journal storage errors. Match with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrDenied    = errors.New("access denied")
	ErrAuth      = errors.New("authentication failed")
	ErrDiskFull  = errors.New("no space left")
	ErrTimeout   = errors.New("timed out")
	ErrThrottled = errors.New("rate limited")
	ErrNetwork   = errors.New("network error")
	ErrStorage   = errors.New("storage error")
)

// JournalError is a classified failure of one journal operation.
type JournalError struct {
	Kind error
	// Op is init, write or read.
	Op   string
	// Path is the dataset path involved, if any.
	Path string
	Err  error
}

func (e *JournalError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("journal %s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("journal %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *JournalError) Unwrap() error { return e.Err }

// Is matches the failure kind.
func (e *JournalError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Transient reports whether retrying the operation may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrNetwork)
}

func wrap(op string, err error, path string) error {
	if err == nil {
		return nil
	}
	return &JournalError{Kind: classify(err), Op: op, Path: path, Err: err}
}

// WrapWriteError classifies a dataset write failure. Nil stays nil.
func WrapWriteError(err error, path string) error { return wrap("write", err, path) }

// WrapReadError classifies a dataset read failure. Nil stays nil.
func WrapReadError(err error, path string) error { return wrap("read", err, path) }

// WrapInitError classifies a failure to open the dataset. Nil stays nil.
func WrapInitError(err error, dataset string) error { return wrap("init", err, dataset) }

// rules are checked in order against the lowercased message; the first
// match wins. Denied comes before permission so S3 403s are not filed as
// local permission errors.
var rules = []struct {
	kind    error
	needles []string
}{
	{ErrDenied, []string{"accessdenied", "forbidden", "403", "permission denied", "eacces"}},
	{ErrNotFound, []string{"no such file", "does not exist", "not found", "enoent", "404", "nosuchkey", "nosuchbucket"}},
	{ErrDiskFull, []string{"no space left", "disk full", "enospc", "quota exceeded"}},
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"}},
	{ErrAuth, []string{"nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "no route to host",
		"network unreachable", "no such host", "dial tcp"}},
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.kind
			}
		}
	}
	return ErrStorage
}
