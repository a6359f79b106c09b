package data

import "errors"

var (
	// ErrMalformedMessage is returned when a payload cannot be decoded into the canonical model.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDuplicateEvent marks an event already reflected in state.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNoRouteAvailable means no reachable transport exists for the device.
	ErrNoRouteAvailable = errors.New("no route available")
	// ErrTransientOverload asks the adapter to retry later.
	ErrTransientOverload = errors.New("transient overload")
	ErrUnknownProtocol   = errors.New("unknown protocol")
	ErrNotFound          = errors.New("not found")
	// ErrInvalidTransition is a contract violation: a terminal command was asked to move.
	ErrInvalidTransition = errors.New("invalid state transition")
)
