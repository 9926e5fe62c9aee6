// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the status codes used throughout the SMCP engine
// and helpers for wrapping them with context.
package errors

import (
	"errors"
	"fmt"
)

// Status is a small integer outcome. Every value other than OK is an error.
// APIs return nil for success, so OK never appears as a returned error.
type Status int

// Status codes.
const (
	OK                     Status = 0
	Failure                Status = -1
	InvalidArgument        Status = -2
	BadNodeType            Status = -3
	UnsupportedURI         Status = -4
	Errno                  Status = -5
	MallocFailure          Status = -6
	TransactionInvalidated Status = -7
	Timeout                Status = -8
	NotImplemented         Status = -9
	NotFound               Status = -10
	HostLookupFailure      Status = -11
	ResponseNotAllowed     Status = -12
	LoopDetected           Status = -13
	BadArgument            Status = -14
	MessageTooBig          Status = -15
	NotAllowed             Status = -16
	BadOption              Status = -17
	Dupe                   Status = -18
	Reset                  Status = -19
	URIParseFailure        Status = -20
	WaitForDNS             Status = -21
	BadPacket              Status = -22
)

var statusText = map[Status]string{
	OK:                     "OK",
	Failure:                "Unspecified failure",
	InvalidArgument:        "Invalid argument",
	BadNodeType:            "Bad node type",
	UnsupportedURI:         "Unsupported URI",
	Errno:                  "System error",
	MallocFailure:          "Allocation failure",
	TransactionInvalidated: "Transaction invalidated",
	Timeout:                "Timeout",
	NotImplemented:         "Not implemented",
	NotFound:               "Not found",
	HostLookupFailure:      "Hostname lookup failure",
	ResponseNotAllowed:     "Response not allowed",
	LoopDetected:           "Loop detected",
	BadArgument:            "Bad argument",
	MessageTooBig:          "Message too big",
	NotAllowed:             "Not allowed",
	BadOption:              "Bad option",
	Dupe:                   "Duplicate",
	Reset:                  "Transaction reset",
	URIParseFailure:        "URI parse failure",
	WaitForDNS:             "Waiting for DNS",
	BadPacket:              "Bad packet",
}

// String returns a human readable description of s.
func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("Unknown status (%d)", int(s))
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.String()
}

// StatusOf extracts the Status carried by err. A nil error is OK and an
// error without a Status in its chain is Failure.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Failure
}

// Is reports whether err carries status s.
func Is(err error, s Status) bool {
	return StatusOf(err) == s
}

// ProtocolError wraps an error with the exchange it occurred in.
type ProtocolError struct {
	Op        string // Operation that failed
	Peer      string // Remote endpoint
	MessageID uint16 // Message id of the packet being handled
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s [mid %#04x]: %v", e.Op, e.Peer, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s [mid %#04x]: %v", e.Op, e.MessageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// New creates a new ProtocolError.
func New(op, peer string, msgID uint16, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{
		Op:        op,
		Peer:      peer,
		MessageID: msgID,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
