// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chronoerr defines the error kinds the sync core surfaces, per the
// error handling design: storage and integrity errors propagate to the
// caller, decode/not-found/conflict/timeout errors are swallowed or reported
// via callback at component boundaries.
package chronoerr

import "github.com/pkg/errors"

// Kind classifies an error the core can surface.
type Kind int

const (
	// KindStorage covers disk-full, corruption, permission-denied: fatal to
	// the current operation, retriable by the caller.
	KindStorage Kind = iota
	// KindDecode covers malformed actions, bad sync-state messages, unparsable
	// names: the offending packet is dropped, never fatal.
	KindDecode
	// KindConflict marks a remote action that lost conflict resolution.
	KindConflict
	// KindTimeout is surfaced only if a fetch task exhausts every retry and
	// hint-rotation path and is abandoned.
	KindTimeout
	// KindNotFound is a silent drop on the serve side, an empty optional on
	// query APIs.
	KindNotFound
	// KindIntegrity marks an assembled file whose hash doesn't match.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage_error"
	case KindDecode:
		return "decode_error"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity_error"
	default:
		return "unknown"
	}
}

// Error is a chronosync error tagged with a Kind, wrapping an underlying
// cause via github.com/pkg/errors so callers retain a stack trace and can
// unwrap to the original cause with errors.Cause.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// New wraps cause as a chronosync error of the given kind. Returns nil if
// cause is nil.
func New(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(cause, msg)}
}

// Is reports whether err is a chronosync error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Storage wraps cause as a storage_error.
func Storage(cause error, msg string) error { return New(KindStorage, cause, msg) }

// Decode wraps cause as a decode_error.
func Decode(cause error, msg string) error { return New(KindDecode, cause, msg) }

// Integrity wraps cause as an integrity_error.
func Integrity(cause error, msg string) error { return New(KindIntegrity, cause, msg) }

// NotFound constructs a not_found error carrying msg as context.
func NotFound(msg string) error { return New(KindNotFound, errors.New(msg), "") }
