// Package errors defines the sentinel errors of the relay taxonomy.
package errors

import "errors"

// Client errors.
var (
	ErrNotConnected         = errors.New("not connected")
	ErrRegistrationRejected = errors.New("registration rejected")
)

// Server/delivery errors.
var (
	ErrSessionBufferFull = errors.New("session outbound buffer full")
)
