// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"net/url"

	smcperr "github.com/hwkang0621/smcp/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Node is a resource addressable by URI path. The engine only walks the
// tree; it never owns nodes.
type Node interface {
	// Name returns the path segment naming this node.
	Name() string

	// Find returns the child named by segment, or nil. Implementations
	// must return an untyped nil, not a nil pointer.
	Find(segment string) Node

	// Handler returns the request handler, or nil for the default.
	Handler() RequestHandler
}

// Lister is implemented by nodes whose children can be enumerated.
type Lister interface {
	Children() []Node
}

// Describer is implemented by nodes with a static link-format description.
type Describer interface {
	Description() string
}

// Request is the context passed to a RequestHandler.
type Request struct {
	Daemon *Daemon
	Node   Node
	Method codes.Code
	In     *Inbound
}

// Context returns the context of the Process call that delivered the request.
func (r *Request) Context() context.Context {
	return r.In.Context()
}

// NextSegment consumes the next unresolved URI-Path segment, if any.
func (r *Request) NextSegment() (string, bool) {
	if r.In.PeekOption() != message.URIPath {
		return "", false
	}
	_, v, _ := r.In.NextOption()
	return string(v), true
}

// HasTrailingPath reports whether unresolved URI-Path segments remain. A
// single empty segment, produced by a trailing slash, does not count.
func (r *Request) HasTrailingPath() bool {
	in := r.In
	m := in.opts.Mark()
	defer in.opts.Rewind(m)
	for in.PeekOption() == message.URIPath {
		_, v, _ := in.NextOption()
		if len(v) > 0 {
			return true
		}
	}
	return false
}

// RequestHandler serves a request routed to a node. Returning nil without
// sending lets the daemon answer with the method's success code; an error
// is mapped to a result code.
type RequestHandler func(r *Request) error

// DefaultRequestHandler lists the node on GET and refuses anything else.
func DefaultRequestHandler(r *Request) error {
	if r.Method == codes.GET {
		return HandleList(r)
	}
	return smcperr.NotAllowed
}

// HandleList answers with a link-format listing: the node description
// followed by one link per child.
func HandleList(r *Request) error {
	if r.HasTrailingPath() {
		return smcperr.NotFound
	}

	d := r.Daemon
	if err := d.BeginResponse(codes.Content); err != nil {
		return err
	}
	if err := d.SetContentFormat(message.AppLinkFormat); err != nil {
		return err
	}

	first := true
	if desc, ok := r.Node.(Describer); ok && desc.Description() != "" {
		if err := d.AppendContentString(desc.Description()); err != nil {
			return err
		}
		first = false
	}
	if lister, ok := r.Node.(Lister); ok {
		for _, child := range lister.Children() {
			link := "<" + url.PathEscape(child.Name())
			if l, ok := child.(Lister); ok && len(l.Children()) > 0 {
				link += "/"
			}
			link += ">"
			if !first {
				link = "," + link
			}
			if err := d.AppendContentString(link); err != nil {
				return err
			}
			first = false
		}
	}
	return d.Send()
}
