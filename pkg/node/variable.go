// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/hwkang0621/smcp/pkg/engine"
	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Getter produces the current value of a variable.
type Getter func(r *engine.Request) ([]byte, message.MediaType, error)

// Setter stores a new value. ct is the request Content-Format, or
// text/plain when none was given.
type Setter func(r *engine.Request, value []byte, ct message.MediaType) error

// Variable is a leaf whose value is read with GET and written with PUT or
// POST. A nil accessor makes the corresponding methods 4.05.
type Variable struct {
	name        string
	description string
	get         Getter
	set         Setter
}

var _ engine.Node = (*Variable)(nil)

// NewVariable returns a variable node.
func NewVariable(name string, get Getter, set Setter) *Variable {
	return &Variable{name: name, get: get, set: set}
}

// StringVariable serves a value produced by f as text/plain.
func StringVariable(name string, f func() string) *Variable {
	return NewVariable(name, func(*engine.Request) ([]byte, message.MediaType, error) {
		return []byte(f()), message.TextPlain, nil
	}, nil)
}

// Name implements engine.Node.
func (v *Variable) Name() string { return v.name }

// Find implements engine.Node. Variables have no children.
func (v *Variable) Find(string) engine.Node { return nil }

// Handler implements engine.Node.
func (v *Variable) Handler() engine.RequestHandler { return v.handle }

// Description implements engine.Describer.
func (v *Variable) Description() string { return v.description }

// SetDescription sets the text served to link-format listings.
func (v *Variable) SetDescription(s string) *Variable {
	v.description = s
	return v
}

func (v *Variable) handle(r *engine.Request) error {
	if r.HasTrailingPath() {
		return smcperr.NotFound
	}

	switch r.Method {
	case codes.GET:
		if v.get == nil {
			return smcperr.NotAllowed
		}
		value, ct, err := v.get(r)
		if err != nil {
			return err
		}
		d := r.Daemon
		if err := d.BeginResponse(codes.Content); err != nil {
			return err
		}
		if err := d.SetContentFormat(ct); err != nil {
			return err
		}
		if err := d.AppendContent(value); err != nil {
			return err
		}
		return d.Send()

	case codes.PUT, codes.POST:
		if v.set == nil {
			return smcperr.NotAllowed
		}
		ct, ok := r.In.ContentType()
		if !ok {
			ct = message.TextPlain
		}
		return v.set(r, r.In.Content(), ct)
	}
	return smcperr.NotAllowed
}
