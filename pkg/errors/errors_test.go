// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"io"
	"testing"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: OK},
		{name: "bare status", err: NotFound, want: NotFound},
		{name: "wrapped status", err: Wrap(Timeout, "waiting"), want: Timeout},
		{name: "protocol error", err: New("dispatch", "[::1]:5683", 7, BadOption), want: BadOption},
		{name: "foreign error", err: io.EOF, want: Failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New("send", "", 1, Wrap(MessageTooBig, "option"))
	if !Is(err, MessageTooBig) {
		t.Error("Is(MessageTooBig) = false")
	}
	if !errors.Is(err, MessageTooBig) {
		t.Error("errors.Is(MessageTooBig) = false")
	}
	if Is(err, NotFound) {
		t.Error("Is(NotFound) = true")
	}
}

func TestStatusString(t *testing.T) {
	if got := Dupe.String(); got != "Duplicate" {
		t.Errorf("Dupe.String() = %q", got)
	}
	if got := Status(-999).String(); got != "Unknown status (-999)" {
		t.Errorf("unknown String() = %q", got)
	}
}

func TestNewNil(t *testing.T) {
	if New("op", "peer", 0, nil) != nil {
		t.Error("New(nil) != nil")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) != nil")
	}
}

func TestProtocolErrorFormat(t *testing.T) {
	err := New("dispatch", "10.0.0.1:5683", 0x1234, NotFound)
	want := "dispatch 10.0.0.1:5683 [mid 0x1234]: Not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
