// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

// Package errs holds the error kinds shared by connectors, the token cache and
// the dispatcher. Kinds are sentinels so callers can match with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConfig        = errors.New("config error")
	ErrAuth          = errors.New("auth error")
	ErrTransport     = errors.New("transport error")
	ErrSecurity      = errors.New("security error")
	ErrAuthorization = errors.New("sender not authorized")
	ErrReplyTimeout  = errors.New("reply timeout")
)

// Error carries the kind plus the channel and operation it happened in.
type Error struct {
	Kind    error
	Channel string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Channel != "" {
		msg = e.Channel + ": " + msg
	}
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with a kind. A nil err is allowed; the kind alone is reported.
func New(kind error, channel, op string, err error) error {
	return &Error{Kind: kind, Channel: channel, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind error, channel, op, format string, args ...interface{}) error {
	return New(kind, channel, op, fmt.Errorf(format, args...))
}

// KindOf returns the first known kind in err's chain, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrConfig, ErrAuth, ErrTransport, ErrSecurity, ErrAuthorization, ErrReplyTimeout} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
